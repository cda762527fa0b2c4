package pwapush

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/imjasonh/pwapush/codec"
	"github.com/imjasonh/pwapush/ece"
)

// mockSigner is a test implementation of vapid.Signer.
type mockSigner struct {
	pubKey []byte
}

func (m *mockSigner) Sign(_ context.Context, _ []byte) ([]byte, error) {
	// Return a 64-byte dummy signature
	return make([]byte, 64), nil
}

func (m *mockSigner) PublicKey() []byte {
	return m.pubKey
}

type userAgent struct {
	priv *ecdh.PrivateKey
	auth []byte
}

func newUserAgent(t *testing.T) *userAgent {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}
	return &userAgent{priv: priv, auth: auth}
}

func (u *userAgent) subscription(endpoint string) *Subscription {
	return &Subscription{
		Endpoint: endpoint,
		Keys: Keys{
			P256dh: codec.EncodeBase64URL(u.priv.PublicKey().Bytes()),
			Auth:   codec.EncodeBase64URL(u.auth),
		},
	}
}

func newClient(server *httptest.Server) *Client {
	signer := &mockSigner{pubKey: append([]byte{0x04}, make([]byte, 64)...)}
	return NewClient(signer, "mailto:test@example.com").WithHTTPClient(server.Client())
}

func TestParseSubscription(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		want    Keys
		wantErr bool
	}{
		{
			name: "valid subscription",
			json: `{
				"endpoint": "https://push.example.com/abc123",
				"keys": {
					"p256dh": "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM",
					"auth": "tBHItJI5svbpez7KI4CCXg"
				}
			}`,
			want: Keys{P256dh: "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM", Auth: "tBHItJI5svbpez7KI4CCXg"},
		},
		{
			name: "flat subscription",
			json: `{
				"endpoint": "https://push.example.com/abc123",
				"publicKey": "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM",
				"authToken": "tBHItJI5svbpez7KI4CCXg",
				"contentEncoding": "aes128gcm"
			}`,
			want: Keys{P256dh: "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM", Auth: "tBHItJI5svbpez7KI4CCXg"},
		},
		{
			name: "legacy content encoding",
			json: `{
				"endpoint": "https://push.example.com/abc123",
				"publicKey": "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM",
				"authToken": "tBHItJI5svbpez7KI4CCXg",
				"contentEncoding": "aesgcm"
			}`,
			wantErr: true,
		},
		{
			name:    "empty JSON",
			json:    `{}`,
			wantErr: true,
		},
		{
			name:    "not JSON",
			json:    `endpoint=https://push.example.com`,
			wantErr: true,
		},
		{
			name: "missing endpoint",
			json: `{
				"keys": {
					"p256dh": "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM",
					"auth": "tBHItJI5svbpez7KI4CCXg"
				}
			}`,
			wantErr: true,
		},
		{
			name: "missing p256dh",
			json: `{
				"endpoint": "https://push.example.com/abc123",
				"keys": {
					"auth": "tBHItJI5svbpez7KI4CCXg"
				}
			}`,
			wantErr: true,
		},
		{
			name: "missing auth",
			json: `{
				"endpoint": "https://push.example.com/abc123",
				"keys": {
					"p256dh": "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM"
				}
			}`,
			wantErr: true,
		},
		{
			name: "non-https endpoint",
			json: `{
				"endpoint": "http://push.example.com/abc123",
				"keys": {
					"p256dh": "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM",
					"auth": "tBHItJI5svbpez7KI4CCXg"
				}
			}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := ParseSubscription([]byte(tt.json))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSubscription() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidSubscription) {
					t.Errorf("ParseSubscription() error = %v, want ErrInvalidSubscription", err)
				}
				return
			}
			if sub.Keys != tt.want {
				t.Errorf("ParseSubscription() keys = %+v, want %+v", sub.Keys, tt.want)
			}
		})
	}
}

func TestClient_Send(t *testing.T) {
	ua := newUserAgent(t)
	received := make(chan *http.Request, 1)
	var body []byte
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		received <- r
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	out := newClient(server).Send(context.Background(), ua.subscription(server.URL+"/push/abc123"), []byte("test message"), nil)
	if out.Status != Delivered {
		t.Fatalf("Send() = %v (%v), want Delivered", out, out.Err)
	}
	if out.String() != "Delivered" || out.StatusCode != http.StatusCreated {
		t.Errorf("Send() = %q code %d", out.String(), out.StatusCode)
	}

	select {
	case req := <-received:
		for header, want := range map[string]string{
			"Content-Type":     "application/octet-stream",
			"Content-Encoding": "aes128gcm",
			"TTL":              "2419200",
			"Urgency":          "normal",
		} {
			if got := req.Header.Get(header); got != want {
				t.Errorf("%s = %q, want %q", header, got, want)
			}
		}
		if got := req.Header.Get("Authorization"); !strings.HasPrefix(got, "vapid t=") || !strings.Contains(got, ", k=") {
			t.Errorf("Authorization = %q, want vapid t=..., k=...", got)
		}
		if got := req.Header.Get("Crypto-Key"); !strings.HasPrefix(got, "p256ecdsa=") {
			t.Errorf("Crypto-Key = %q, want p256ecdsa=...", got)
		}
		if req.Header.Get("Topic") != "" {
			t.Errorf("Topic = %q, want unset", req.Header.Get("Topic"))
		}
		if req.ContentLength != int64(len(body)) {
			t.Errorf("ContentLength = %d, want %d", req.ContentLength, len(body))
		}
	default:
		t.Fatal("No request received")
	}

	plaintext, err := ece.Decrypt(body, ua.priv, ua.auth)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(plaintext) != "test message" {
		t.Errorf("Decrypt() = %q, want %q", plaintext, "test message")
	}
}

func TestClient_SendWithOptions(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify options headers
		if r.Header.Get("Urgency") != "high" {
			t.Errorf("Urgency = %q, want %q", r.Header.Get("Urgency"), "high")
		}
		if r.Header.Get("Topic") != "test-topic" {
			t.Errorf("Topic = %q, want %q", r.Header.Get("Topic"), "test-topic")
		}
		if r.Header.Get("TTL") != "3600" {
			t.Errorf("TTL = %q, want %q", r.Header.Get("TTL"), "3600")
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	sub := newUserAgent(t).subscription(server.URL + "/push/abc123")
	out := newClient(server).Send(context.Background(), sub, []byte("test"), &Options{
		TTL:     3600,
		Urgency: "high",
		Topic:   "test-topic",
	})
	if out.Status != Delivered {
		t.Fatalf("Send() = %v, want Delivered", out)
	}
}

func TestClient_SendClassification(t *testing.T) {
	tests := []struct {
		code       int
		body       string
		wantStatus Status
		wantString string
	}{
		{code: http.StatusCreated, wantStatus: Delivered, wantString: "Delivered"},
		{code: http.StatusGone, body: "subscription has expired", wantStatus: Expired, wantString: "Subscription expired - removed"},
		{code: http.StatusNotFound, wantStatus: Expired, wantString: "Subscription expired - removed"},
		{code: http.StatusOK, body: "ok", wantStatus: Failed, wantString: "Failed: HTTP 200: ok"},
		{code: http.StatusBadRequest, body: "bad payload\n", wantStatus: Failed, wantString: "Failed: HTTP 400: bad payload"},
		{code: http.StatusRequestEntityTooLarge, body: "too big", wantStatus: Failed, wantString: "Failed: HTTP 413: too big"},
		{code: http.StatusTooManyRequests, body: "slow down", wantStatus: Failed, wantString: "Failed: HTTP 429: slow down"},
		{code: http.StatusInternalServerError, wantStatus: Failed, wantString: "Failed: HTTP 500: "},
	}
	ua := newUserAgent(t)
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			out := newClient(server).Send(context.Background(), ua.subscription(server.URL+"/push/x"), []byte("test"), nil)
			if out.Status != tt.wantStatus {
				t.Errorf("Status = %v, want %v", out.Status, tt.wantStatus)
			}
			if out.String() != tt.wantString {
				t.Errorf("String() = %q, want %q", out.String(), tt.wantString)
			}
			if out.StatusCode != tt.code {
				t.Errorf("StatusCode = %d, want %d", out.StatusCode, tt.code)
			}
			if tt.wantStatus == Failed && !errors.Is(out.Err, ErrPushService) {
				t.Errorf("Err = %v, want ErrPushService", out.Err)
			}
			if tt.wantStatus != Failed && out.Err != nil {
				t.Errorf("Err = %v, want nil", out.Err)
			}
		})
	}
}

func TestClient_SendInvalidSubscription(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	valid := newUserAgent(t).subscription(server.URL + "/push/x")
	tests := []struct {
		name string
		sub  *Subscription
	}{
		{name: "nil", sub: nil},
		{name: "missing endpoint", sub: &Subscription{Keys: valid.Keys}},
		{name: "missing p256dh", sub: &Subscription{Endpoint: valid.Endpoint, Keys: Keys{Auth: valid.Keys.Auth}}},
		{name: "missing auth", sub: &Subscription{Endpoint: valid.Endpoint, Keys: Keys{P256dh: valid.Keys.P256dh}}},
		{name: "undecodable auth", sub: &Subscription{Endpoint: valid.Endpoint, Keys: Keys{P256dh: valid.Keys.P256dh, Auth: "!!"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := newClient(server).Send(context.Background(), tt.sub, []byte("test"), nil)
			if out.Status != Failed || !errors.Is(out.Err, ErrInvalidSubscription) {
				t.Errorf("Send() = %v (%v), want Failed with ErrInvalidSubscription", out, out.Err)
			}
		})
	}

	// Keys that decode but are not a valid point fail in encryption.
	bad := &Subscription{Endpoint: valid.Endpoint, Keys: Keys{P256dh: codec.EncodeBase64URL([]byte{4, 1, 2}), Auth: valid.Keys.Auth}}
	if out := newClient(server).Send(context.Background(), bad, []byte("test"), nil); !errors.Is(out.Err, ece.ErrEncryption) {
		t.Errorf("Send() err = %v, want ErrEncryption", out.Err)
	}

	if n := hits.Load(); n != 0 {
		t.Errorf("push service received %d requests, want 0", n)
	}
}

func TestClient_SendTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()
	defer close(release)

	client := newClient(server).WithTimeout(50 * time.Millisecond)
	out := client.Send(context.Background(), newUserAgent(t).subscription(server.URL+"/push/x"), []byte("test"), nil)
	if out.String() != "Failed: timeout" {
		t.Errorf("Send() = %q, want %q", out.String(), "Failed: timeout")
	}
	if !errors.Is(out.Err, ErrTransport) {
		t.Errorf("Err = %v, want ErrTransport", out.Err)
	}
}

func TestClient_SendTransportError(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := newClient(server)
	endpoint := server.URL + "/push/x"
	server.Close()

	out := client.Send(context.Background(), newUserAgent(t).subscription(endpoint), []byte("test"), nil)
	if !strings.HasPrefix(out.String(), "Failed: transport error: ") {
		t.Errorf("Send() = %q, want transport error", out.String())
	}
	if !errors.Is(out.Err, ErrTransport) {
		t.Errorf("Err = %v, want ErrTransport", out.Err)
	}
}

func TestClient_CircuitBreaker(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newClient(server).WithCircuitBreaker(2, time.Hour)
	sub := newUserAgent(t).subscription(server.URL + "/push/x")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if out := client.Send(ctx, sub, []byte("test"), nil); out.String() != "Failed: HTTP 503: " {
			t.Fatalf("Send() #%d = %q, want HTTP 503", i, out.String())
		}
	}
	out := client.Send(ctx, sub, []byte("test"), nil)
	if out.String() != "Failed: circuit breaker open" || !errors.Is(out.Err, ErrCircuitOpen) {
		t.Errorf("Send() after trip = %q (%v), want circuit breaker open", out.String(), out.Err)
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("push service received %d requests, want 2", n)
	}
}

func TestClient_CircuitBreakerIgnoresExpired(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	client := newClient(server).WithCircuitBreaker(1, time.Hour)
	sub := newUserAgent(t).subscription(server.URL + "/push/x")
	for i := 0; i < 3; i++ {
		if out := client.Send(context.Background(), sub, []byte("test"), nil); out.Status != Expired {
			t.Errorf("Send() #%d = %v, want Expired", i, out)
		}
	}
	if n := hits.Load(); n != 3 {
		t.Errorf("push service received %d requests, want 3", n)
	}
}

func TestOutcome_String(t *testing.T) {
	tests := []struct {
		out  Outcome
		want string
	}{
		{out: Outcome{Status: Delivered}, want: "Delivered"},
		{out: Outcome{Status: Expired}, want: "Subscription expired - removed"},
		{out: Outcome{Status: Failed, Reason: "HTTP 400: nope"}, want: "Failed: HTTP 400: nope"},
		{out: Outcome{}, want: "Failed: "},
	}
	for _, tt := range tests {
		if got := tt.out.String(); got != tt.want {
			t.Errorf("%+v.String() = %q, want %q", tt.out, got, tt.want)
		}
	}
}

func TestClient_WithTimeoutStaysBounded(t *testing.T) {
	for _, d := range []time.Duration{0, -time.Second} {
		if got := NewClient(&mockSigner{}, "mailto:a@example.com").WithTimeout(d).timeout; got != DefaultTimeout {
			t.Errorf("WithTimeout(%v) timeout = %v, want %v", d, got, DefaultTimeout)
		}
	}
	if got := NewClient(&mockSigner{}, "mailto:a@example.com").WithTimeout(time.Second).timeout; got != time.Second {
		t.Errorf("WithTimeout(1s) timeout = %v", got)
	}
}
