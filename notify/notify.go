// Package notify fans a notification out to stored push subscriptions,
// applying the site's delivery policy and removing expired subscriptions.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/imjasonh/pwapush"
	"github.com/imjasonh/pwapush/keys"
	"github.com/imjasonh/pwapush/storage"
	"github.com/imjasonh/pwapush/vapid"
)

// ErrConfiguration is returned when the VAPID credentials are missing or
// invalid. No delivery is attempted.
var ErrConfiguration = errors.New("notify: configuration error")

// DefaultSubject is the VAPID subject used when none is configured.
const DefaultSubject = "mailto:admin@example.com"

// DefaultConcurrency bounds in-flight deliveries per batch.
const DefaultConcurrency = 8

// Batch statuses returned instead of delivering.
const (
	StatusDisabled             = "Push notifications are disabled"
	StatusNoTestMember         = "Test mode enabled but no test user configured"
	StatusSkippedNotTestMember = "Test mode: skipped (not test user)"
	StatusNoTestMemberMatch    = "Test mode: no matching test user in recipients"
	StatusNoMembers            = "No members provided"
	StatusNoSubscribers        = "No subscribers found"
)

// Policy is the site-wide delivery configuration.
type Policy struct {
	Disabled bool
	// TestMode restricts delivery to TestMemberID's subscriptions.
	TestMode     bool
	TestMemberID string

	// DefaultTitle and DefaultMessage fill an empty Title or Body.
	DefaultTitle   string
	DefaultMessage string
	DefaultIcon    string
	DefaultBadge   string
	DefaultVibrate []int
	DefaultTTL     int
	DefaultActions []Action

	// Behavior flags applied to every notification.
	RequireInteraction bool
	Silent             bool
	Renotify           bool

	// TopicFromTag sends the notification tag as the Topic header so
	// push services replace undelivered messages with the same tag.
	TopicFromTag bool

	// Concurrency bounds in-flight deliveries; zero uses DefaultConcurrency.
	Concurrency int
	// RatePerSecond paces request starts; zero disables pacing.
	RatePerSecond float64
}

// Credentials identify the application server to push services.
type Credentials struct {
	PublicKey  string // base64url uncompressed point
	PrivateKey string // base64url raw scalar
	Subject    string // mailto: or https: URI
	// Signer, when set, is used instead of PublicKey and PrivateKey.
	Signer vapid.Signer
}

func (c Credentials) signer() (vapid.Signer, string, error) {
	subject := c.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	if !strings.HasPrefix(subject, "mailto:") && !strings.HasPrefix(subject, "https:") {
		return nil, "", fmt.Errorf("%w: VAPID subject %q must be a mailto: or https: URI", ErrConfiguration, subject)
	}
	if c.Signer != nil {
		return c.Signer, subject, nil
	}
	if c.PublicKey == "" || c.PrivateKey == "" {
		return nil, "", fmt.Errorf("%w: VAPID keys not configured", ErrConfiguration)
	}
	s, err := keys.NewCredentialSigner(c.PrivateKey, c.PublicKey)
	if err != nil {
		return nil, "", fmt.Errorf("%w: invalid VAPID keys: %w", ErrConfiguration, err)
	}
	return s, subject, nil
}

type scopeKind int

const (
	scopeAll scopeKind = iota
	scopeMembers
	scopeSubscriptions
)

// Scope selects the recipients of a batch.
type Scope struct {
	kind      scopeKind
	memberIDs []string
	records   []*storage.Record
}

// All selects every stored subscription.
func All() Scope { return Scope{kind: scopeAll} }

// Members selects the subscriptions of the given members.
func Members(ids ...string) Scope { return Scope{kind: scopeMembers, memberIDs: ids} }

// Subscriptions selects specific subscription records.
func Subscriptions(records ...*storage.Record) Scope {
	return Scope{kind: scopeSubscriptions, records: records}
}

func (s Scope) String() string {
	switch s.kind {
	case scopeMembers:
		return fmt.Sprintf("members(%d)", len(s.memberIDs))
	case scopeSubscriptions:
		return fmt.Sprintf("subscriptions(%d)", len(s.records))
	default:
		return "all"
	}
}

// Result reports a batch. Either Status or Err is set when nothing was
// delivered; otherwise Outcomes maps each endpoint to its outcome.
type Result struct {
	Status   string
	Err      error
	Outcomes map[string]pwapush.Outcome
}

// Summary returns the caller-facing view: {"status": ...}, {"error": ...}
// or endpoint to outcome string.
func (r *Result) Summary() map[string]string {
	switch {
	case r.Err != nil:
		return map[string]string{"error": r.Err.Error()}
	case r.Status != "":
		return map[string]string{"status": r.Status}
	}
	out := make(map[string]string, len(r.Outcomes))
	for endpoint, o := range r.Outcomes {
		out[endpoint] = o.String()
	}
	return out
}

// Counts tallies the outcomes.
func (r *Result) Counts() (delivered, expired, failed int) {
	for _, o := range r.Outcomes {
		switch o.Status {
		case pwapush.Delivered:
			delivered++
		case pwapush.Expired:
			expired++
		default:
			failed++
		}
	}
	return delivered, expired, failed
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient sets the client used to reach push services.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithCircuitBreaker enables the per-origin circuit breaker.
func WithCircuitBreaker(threshold uint32, cooldown time.Duration) Option {
	return func(d *Dispatcher) {
		d.breakerThreshold = threshold
		d.breakerCooldown = cooldown
	}
}

// Dispatcher sends notifications to stored subscriptions.
type Dispatcher struct {
	store  storage.Storage
	policy Policy
	creds  Credentials

	httpClient       *http.Client
	timeout          time.Duration
	breakerThreshold uint32
	breakerCooldown  time.Duration

	// One transport per dispatcher so breaker state spans batches.
	clientOnce sync.Once
	client     *pwapush.Client
	clientErr  error
}

// NewDispatcher creates a Dispatcher. policy and creds are copied and
// never modified.
func NewDispatcher(store storage.Storage, policy Policy, creds Credentials, opts ...Option) *Dispatcher {
	policy.DefaultVibrate = slices.Clone(policy.DefaultVibrate)
	policy.DefaultActions = slices.Clone(policy.DefaultActions)
	d := &Dispatcher{
		store:      store,
		policy:     policy,
		creds:      creds,
		httpClient: http.DefaultClient,
		timeout:    pwapush.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Policy returns the dispatcher's policy.
func (d *Dispatcher) Policy() Policy { return d.policy }

func (d *Dispatcher) pushClient() (*pwapush.Client, error) {
	d.clientOnce.Do(func() {
		signer, subject, err := d.creds.signer()
		if err != nil {
			d.clientErr = err
			return
		}
		d.client = pwapush.NewClient(signer, subject).
			WithHTTPClient(d.httpClient).
			WithTimeout(d.timeout).
			WithCircuitBreaker(d.breakerThreshold, d.breakerCooldown)
	})
	return d.client, d.clientErr
}

// SendToAll sends n to every subscriber, or only the test member in
// test mode.
func (d *Dispatcher) SendToAll(ctx context.Context, n Notification) (*Result, error) {
	return d.Send(ctx, n, All())
}

// SendToMember sends n to one member's subscriptions.
func (d *Dispatcher) SendToMember(ctx context.Context, n Notification, memberID string) (*Result, error) {
	return d.Send(ctx, n, Members(memberID))
}

// SendToMembers sends n to the subscriptions of several members.
func (d *Dispatcher) SendToMembers(ctx context.Context, n Notification, memberIDs ...string) (*Result, error) {
	return d.Send(ctx, n, Members(memberIDs...))
}

// SendToSubscriptions sends n to specific subscription records.
func (d *Dispatcher) SendToSubscriptions(ctx context.Context, n Notification, records ...*storage.Record) (*Result, error) {
	return d.Send(ctx, n, Subscriptions(records...))
}

// SendTest sends the policy's default title and message to memberID.
func (d *Dispatcher) SendTest(ctx context.Context, memberID string) (*Result, error) {
	return d.Send(ctx, Notification{}, Members(memberID))
}

// Send delivers n to the recipients selected by scope. The returned
// Result is never nil; a non-nil error is also recorded in Result.Err
// and means no delivery was attempted.
func (d *Dispatcher) Send(ctx context.Context, n Notification, scope Scope) (*Result, error) {
	log := clog.FromContext(ctx).With("scope", scope.String())

	if d.policy.Disabled {
		log.Info("push notifications are disabled")
		return &Result{Status: StatusDisabled}, nil
	}

	records, status, err := d.resolve(ctx, scope)
	if err != nil {
		return &Result{Err: err}, err
	}
	if status != "" {
		log.Infof("push batch not sent: %s", status)
		return &Result{Status: status}, nil
	}
	if len(records) == 0 {
		log.Info("no subscribers found")
		return &Result{Status: StatusNoSubscribers}, nil
	}

	client, err := d.pushClient()
	if err != nil {
		log.Errorf("push batch not sent: %v", err)
		return &Result{Err: err}, err
	}

	body, err := n.build(d.policy)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrConfiguration, err)
		return &Result{Err: err}, err
	}
	opts := &pwapush.Options{TTL: n.ttl(d.policy), Urgency: n.Urgency}
	// Topic must be base64url and at most 32 characters.
	if d.policy.TopicFromTag && len(n.Tag) <= 32 && !strings.ContainsFunc(n.Tag, func(r rune) bool { return !isBase64URL(r) }) {
		opts.Topic = n.Tag
	}

	log.Infof("sending push to %d subscriptions (%d byte payload)", len(records), len(body))
	outcomes := d.deliver(ctx, client, records, body, opts)

	res := &Result{Outcomes: outcomes}
	delivered, expired, failed := res.Counts()
	log.Infof("push batch complete: %d delivered, %d expired, %d failed", delivered, expired, failed)
	return res, nil
}

func isBase64URL(r rune) bool {
	return r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_'
}

// resolve applies test mode and loads the batch's records. A non-empty
// status means the batch stops without sending.
func (d *Dispatcher) resolve(ctx context.Context, scope Scope) ([]*storage.Record, string, error) {
	if d.policy.TestMode {
		test := d.policy.TestMemberID
		if test == "" {
			return nil, StatusNoTestMember, nil
		}
		switch scope.kind {
		case scopeMembers:
			if !slices.Contains(scope.memberIDs, test) {
				if len(scope.memberIDs) == 1 {
					return nil, StatusSkippedNotTestMember, nil
				}
				return nil, StatusNoTestMemberMatch, nil
			}
		case scopeSubscriptions:
			var kept []*storage.Record
			for _, r := range scope.records {
				if r != nil && r.MemberID == test {
					kept = append(kept, r)
				}
			}
			if len(kept) == 0 {
				return nil, StatusNoTestMemberMatch, nil
			}
			return kept, "", nil
		}
		records, err := d.store.GetByMemberIDs(ctx, test)
		if err != nil {
			return nil, "", fmt.Errorf("loading test member subscriptions: %w", err)
		}
		return records, "", nil
	}

	switch scope.kind {
	case scopeMembers:
		ids := slices.DeleteFunc(slices.Clone(scope.memberIDs), func(id string) bool { return id == "" })
		if len(ids) == 0 {
			return nil, StatusNoMembers, nil
		}
		records, err := d.store.GetByMemberIDs(ctx, ids...)
		if err != nil {
			return nil, "", fmt.Errorf("loading member subscriptions: %w", err)
		}
		return records, "", nil
	case scopeSubscriptions:
		return slices.DeleteFunc(slices.Clone(scope.records), func(r *storage.Record) bool { return r == nil }), "", nil
	}
	return d.listAll(ctx)
}

const pageSize = 500

func (d *Dispatcher) listAll(ctx context.Context) ([]*storage.Record, string, error) {
	var all []*storage.Record
	for offset := 0; ; offset += pageSize {
		page, err := d.store.List(ctx, pageSize, offset)
		if err != nil {
			return nil, "", fmt.Errorf("listing subscriptions: %w", err)
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, "", nil
		}
	}
}

// deliver fans out over a bounded worker pool. Every record gets exactly
// one attempt; failures never cancel the others.
func (d *Dispatcher) deliver(ctx context.Context, client *pwapush.Client, records []*storage.Record, body []byte, opts *pwapush.Options) map[string]pwapush.Outcome {
	limit := d.policy.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	var limiter *rate.Limiter
	if d.policy.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(d.policy.RatePerSecond), 1)
	}

	var (
		mu       sync.Mutex
		outcomes = make(map[string]pwapush.Outcome, len(records))
		seen     = make(map[string]bool, len(records))
		g        errgroup.Group
	)
	g.SetLimit(limit)

	for _, r := range records {
		if r.Subscription == nil {
			continue
		}
		endpoint := r.Subscription.Endpoint
		if seen[endpoint] {
			continue
		}
		seen[endpoint] = true

		g.Go(func() error {
			out := d.deliverOne(ctx, client, limiter, r, body, opts)
			mu.Lock()
			outcomes[endpoint] = out
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return outcomes
}

func (d *Dispatcher) deliverOne(ctx context.Context, client *pwapush.Client, limiter *rate.Limiter, r *storage.Record, body []byte, opts *pwapush.Options) pwapush.Outcome {
	log := clog.FromContext(ctx).With("subscription", r.ID)

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			err = fmt.Errorf("%w: %w", pwapush.ErrTransport, err)
			return pwapush.Outcome{Status: pwapush.Failed, Reason: "transport error: " + err.Error(), Err: err}
		}
	}

	out := client.Send(ctx, r.Subscription, body, opts)
	if out.Status == pwapush.Expired {
		if err := d.store.DeleteByEndpoint(ctx, r.Subscription.Endpoint); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Warnf("removing expired subscription: %v", err)
		} else {
			log.Info("removed expired subscription")
		}
	}
	return out
}
