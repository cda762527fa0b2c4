// Package pushtest provides a fake Web Push service for tests. It checks
// VAPID tokens the way a push service would and decrypts message bodies
// as the subscribed user agent.
package pushtest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/imjasonh/pwapush"
	"github.com/imjasonh/pwapush/codec"
)

// maxTokenLifetime is the longest exp a push service accepts.
const maxTokenLifetime = 24 * time.Hour

// Message is a push message the server accepted and decrypted.
type Message struct {
	Endpoint string
	Header   http.Header
	Payload  []byte
	Subject  string
	Expires  time.Time
}

// Server is a TLS push service. Endpoints created with Subscribe answer
// 201 unless scripted otherwise; unknown paths answer 404.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	agents      map[string]*UserAgent
	statuses    map[string][]int
	messages    []Message
	requests    int
	requiredKey []byte
}

// NewServer starts a fake push service.
func NewServer() *Server {
	s := &Server{
		agents:   make(map[string]*UserAgent),
		statuses: make(map[string][]int),
	}
	s.Server = httptest.NewTLSServer(http.HandlerFunc(s.handle))
	return s
}

// Subscribe registers a new user agent at /push/<name> and returns its
// subscription.
func (s *Server) Subscribe(name string) (*pwapush.Subscription, error) {
	ua, err := NewUserAgent()
	if err != nil {
		return nil, err
	}
	path := "/push/" + name
	s.mu.Lock()
	s.agents[path] = ua
	s.mu.Unlock()
	return ua.Subscription(s.URL + path), nil
}

// SetStatus scripts the response codes for endpoint. Codes are used in
// order and the last one repeats.
func (s *Server) SetStatus(endpoint string, codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[strings.TrimPrefix(endpoint, s.URL)] = codes
}

// RequireKey makes the server reject tokens not signed by publicKey.
func (s *Server) RequireKey(publicKey []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requiredKey = publicKey
}

// Messages returns the messages accepted so far.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// MessagesFor returns the messages accepted for endpoint.
func (s *Server) MessagesFor(endpoint string) []Message {
	var out []Message
	for _, m := range s.Messages() {
		if m.Endpoint == endpoint {
			out = append(out, m)
		}
	}
	return out
}

// Requests returns the number of requests received, accepted or not.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *Server) nextStatus(path string) int {
	codes, ok := s.statuses[path]
	if !ok || len(codes) == 0 {
		return http.StatusCreated
	}
	code := codes[0]
	if len(codes) > 1 {
		s.statuses[path] = codes[1:]
	}
	return code
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests++
	ua, ok := s.agents[r.URL.Path]
	requiredKey := s.requiredKey
	s.mu.Unlock()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !ok {
		http.Error(w, "no such subscription", http.StatusNotFound)
		return
	}
	if got := r.Header.Get("Content-Encoding"); got != "aes128gcm" {
		http.Error(w, fmt.Sprintf("unsupported content encoding %q", got), http.StatusUnsupportedMediaType)
		return
	}
	if r.Header.Get("TTL") == "" {
		http.Error(w, "missing TTL", http.StatusBadRequest)
		return
	}

	sub, exp, err := s.verify(r, requiredKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	payload, err := ua.Decrypt(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	code := s.nextStatus(r.URL.Path)
	if code == http.StatusCreated {
		s.messages = append(s.messages, Message{
			Endpoint: s.URL + r.URL.Path,
			Header:   r.Header.Clone(),
			Payload:  payload,
			Subject:  sub,
			Expires:  exp,
		})
	}
	s.mu.Unlock()

	if code != http.StatusCreated {
		http.Error(w, http.StatusText(code), code)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// verify checks the vapid Authorization header and returns the token's
// subject and expiry.
func (s *Server) verify(r *http.Request, requiredKey []byte) (string, time.Time, error) {
	token, key, err := parseAuthorization(r.Header.Get("Authorization"))
	if err != nil {
		return "", time.Time{}, err
	}
	point, err := codec.DecodeBase64URL(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("decoding k: %w", err)
	}
	if requiredKey != nil && !bytes.Equal(point, requiredKey) {
		return "", time.Time{}, errors.New("token signed by unexpected key")
	}
	if ck := r.Header.Get("Crypto-Key"); ck != "" && ck != "p256ecdsa="+key {
		return "", time.Time{}, fmt.Errorf("crypto-key header %q does not match k", ck)
	}
	pub, err := codec.ParsePublicPoint(point)
	if err != nil {
		return "", time.Time{}, err
	}

	parsed, err := jwt.Parse(token,
		func(*jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithAudience(s.URL),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid VAPID token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", time.Time{}, fmt.Errorf("unexpected claims type %T", parsed.Claims)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return "", time.Time{}, err
	}
	if time.Until(exp.Time) > maxTokenLifetime {
		return "", time.Time{}, fmt.Errorf("token expires too far in the future: %v", exp.Time)
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", time.Time{}, err
	}
	if !strings.HasPrefix(sub, "mailto:") && !strings.HasPrefix(sub, "https:") {
		return "", time.Time{}, fmt.Errorf("invalid subject %q", sub)
	}
	return sub, exp.Time, nil
}

// parseAuthorization splits "vapid t=<jwt>, k=<key>".
func parseAuthorization(h string) (token, key string, err error) {
	rest, ok := strings.CutPrefix(h, "vapid ")
	if !ok {
		return "", "", errors.New("authorization scheme is not vapid")
	}
	for _, part := range strings.Split(rest, ",") {
		k, v, _ := strings.Cut(strings.TrimSpace(part), "=")
		switch k {
		case "t":
			token = v
		case "k":
			key = v
		}
	}
	if token == "" || key == "" {
		return "", "", errors.New("authorization missing t or k")
	}
	return token, key, nil
}
