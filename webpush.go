// Package pwapush sends encrypted Web Push notifications using VAPID
// authentication and the aes128gcm content encoding.
package pwapush

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/imjasonh/pwapush/codec"
	"github.com/imjasonh/pwapush/ece"
	"github.com/imjasonh/pwapush/vapid"
)

var (
	// ErrInvalidSubscription is returned for subscriptions missing an
	// endpoint or key, or carrying keys that do not decode.
	ErrInvalidSubscription = errors.New("pwapush: invalid subscription")
	// ErrTransport wraps network failures and timeouts.
	ErrTransport = errors.New("pwapush: transport error")
	// ErrPushService wraps a push service response other than 201, 404
	// or 410.
	ErrPushService = errors.New("pwapush: push service rejected message")
	// ErrCircuitOpen is returned when an origin's circuit breaker is open.
	ErrCircuitOpen = errors.New("pwapush: circuit breaker open")
)

const (
	// DefaultTimeout bounds a single push request.
	DefaultTimeout = 30 * time.Second
	// DefaultTTL is used when Options.TTL is zero (4 weeks).
	DefaultTTL = 2419200

	maxErrorBody = 4096
)

// Subscription represents a Web Push subscription from a client.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

// Keys contains the client's encryption keys.
type Keys struct {
	P256dh string `json:"p256dh"` // Client's ECDH public key
	Auth   string `json:"auth"`   // Client's authentication secret
}

// Validate checks that every field needed for encryption is present.
func (s *Subscription) Validate() error {
	switch {
	case s == nil:
		return fmt.Errorf("%w: nil subscription", ErrInvalidSubscription)
	case s.Endpoint == "":
		return fmt.Errorf("%w: endpoint is required", ErrInvalidSubscription)
	case s.Keys.P256dh == "":
		return fmt.Errorf("%w: p256dh key is required", ErrInvalidSubscription)
	case s.Keys.Auth == "":
		return fmt.Errorf("%w: auth key is required", ErrInvalidSubscription)
	}
	return nil
}

func (s *Subscription) decodeKeys() (pub, auth []byte, err error) {
	if pub, err = codec.DecodeBase64URL(s.Keys.P256dh); err != nil {
		return nil, nil, fmt.Errorf("%w: p256dh: %w", ErrInvalidSubscription, err)
	}
	if auth, err = codec.DecodeBase64URL(s.Keys.Auth); err != nil {
		return nil, nil, fmt.Errorf("%w: auth: %w", ErrInvalidSubscription, err)
	}
	return pub, auth, nil
}

// wireSubscription accepts both the PushSubscription.toJSON() shape and
// the flat shape some clients post.
type wireSubscription struct {
	Endpoint        string `json:"endpoint"`
	Keys            *Keys  `json:"keys"`
	PublicKey       string `json:"publicKey"`
	AuthToken       string `json:"authToken"`
	ContentEncoding string `json:"contentEncoding"`
}

// ParseSubscription parses a subscription from JSON.
func ParseSubscription(data []byte) (*Subscription, error) {
	var w wireSubscription
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling subscription: %v", ErrInvalidSubscription, err)
	}
	sub := &Subscription{Endpoint: w.Endpoint}
	if w.Keys != nil {
		sub.Keys = *w.Keys
	} else {
		sub.Keys = Keys{P256dh: w.PublicKey, Auth: w.AuthToken}
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if w.ContentEncoding != "" && w.ContentEncoding != "aes128gcm" {
		return nil, fmt.Errorf("%w: unsupported content encoding %q", ErrInvalidSubscription, w.ContentEncoding)
	}
	// Validate endpoint is HTTPS
	if !strings.HasPrefix(sub.Endpoint, "https://") {
		return nil, fmt.Errorf("%w: endpoint must use HTTPS", ErrInvalidSubscription)
	}
	return sub, nil
}

// Options configures the web push notification.
type Options struct {
	TTL     int    // Time-to-live in seconds (default 2419200 = 4 weeks)
	Urgency string // Urgency level: very-low, low, normal, high (default normal)
	Topic   string // Topic for message replacement
}

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.Urgency == "" {
		out.Urgency = "normal"
	}
	return out
}

// Client sends web push notifications.
type Client struct {
	signer     vapid.Signer
	httpClient *http.Client
	subject    string // VAPID subject (mailto: or https: URL)
	timeout    time.Duration
	breakers   *breakers
}

// NewClient creates a new web push client.
func NewClient(signer vapid.Signer, subject string) *Client {
	return &Client{
		signer:     signer,
		httpClient: http.DefaultClient,
		subject:    subject,
		timeout:    DefaultTimeout,
	}
}

// WithHTTPClient sets a custom HTTP client.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	c.httpClient = httpClient
	return c
}

// WithTimeout sets the per-request timeout. A non-positive d restores
// DefaultTimeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d <= 0 {
		d = DefaultTimeout
	}
	c.timeout = d
	return c
}

// WithCircuitBreaker fails sends to a push service origin fast after
// threshold consecutive transport, 429 or 5xx failures, until cooldown
// has elapsed.
func (c *Client) WithCircuitBreaker(threshold uint32, cooldown time.Duration) *Client {
	if threshold == 0 {
		c.breakers = nil
		return c
	}
	c.breakers = newBreakers(threshold, cooldown)
	return c
}

// Send encrypts payload for sub, signs a VAPID token for its origin and
// delivers it. It makes at most one request.
func (c *Client) Send(ctx context.Context, sub *Subscription, payload []byte, opts *Options) Outcome {
	if err := sub.Validate(); err != nil {
		return failed(err.Error(), err)
	}
	pub, auth, err := sub.decodeKeys()
	if err != nil {
		return failed(err.Error(), err)
	}

	body, err := ece.Encrypt(payload, pub, auth)
	if err != nil {
		return failed(err.Error(), err)
	}

	headers, err := vapid.BuildAuthHeaders(ctx, sub.Endpoint, c.subject, c.signer)
	if err != nil {
		return failed(err.Error(), err)
	}

	return c.Deliver(ctx, sub.Endpoint, body, headers, opts)
}

// Deliver POSTs an already encrypted body to endpoint and classifies the
// response. 201 is Delivered, 404 and 410 are Expired, anything else is
// Failed.
func (c *Client) Deliver(ctx context.Context, endpoint string, body []byte, headers vapid.Headers, opts *Options) Outcome {
	origin, err := vapid.Audience(endpoint)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrInvalidSubscription, err)
		return failed(err.Error(), err)
	}
	log := clog.FromContext(ctx).With("origin", origin)

	deliver := func() Outcome { return c.post(ctx, endpoint, body, headers, opts.withDefaults()) }
	var out Outcome
	if c.breakers != nil {
		out = c.breakers.run(origin, deliver)
	} else {
		out = deliver()
	}

	switch out.Status {
	case Delivered:
		log.Debugf("push delivered (%d bytes)", len(body))
	case Expired:
		log.Infof("push subscription expired: HTTP %d", out.StatusCode)
	default:
		log.Warnf("push failed: %s", out.Reason)
	}
	return out
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte, headers vapid.Headers, opts Options) Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		err = fmt.Errorf("%w: creating request: %v", ErrInvalidSubscription, err)
		return failed(err.Error(), err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	req.Header.Set("TTL", strconv.Itoa(opts.TTL))
	req.Header.Set("Urgency", opts.Urgency)
	if opts.Topic != "" {
		req.Header.Set("Topic", opts.Topic)
	}
	req.Header.Set("Authorization", headers.Authorization)
	if headers.CryptoKey != "" {
		req.Header.Set("Crypto-Key", headers.CryptoKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return failed("timeout", fmt.Errorf("%w: %w", ErrTransport, err))
		}
		return failed("transport error: "+err.Error(), fmt.Errorf("%w: %w", ErrTransport, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusCreated {
		return delivered(resp.StatusCode)
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return classify(resp.StatusCode, bytes.TrimSpace(respBody))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
