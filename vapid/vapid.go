// Package vapid provides VAPID (Voluntary Application Server Identification)
// utilities for Web Push.
package vapid

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/imjasonh/pwapush/codec"
)

// TokenLifetime is how long a signed VAPID token stays valid.
const TokenLifetime = 12 * time.Hour

// ErrSigning is returned when a VAPID token cannot be produced.
var ErrSigning = errors.New("vapid: signing failed")

// now is replaced in tests.
var now = time.Now

// Signer provides VAPID signing functionality.
type Signer interface {
	// Sign signs a SHA-256 digest and returns the 64 byte r||s signature.
	Sign(ctx context.Context, digest []byte) ([]byte, error)
	// PublicKey returns the ECDSA public key in uncompressed format.
	PublicKey() []byte
}

// Headers holds the authentication header values for one push request.
type Headers struct {
	Authorization string
	CryptoKey     string
}

type jwtHeader struct {
	Typ string `json:"typ"`
	Alg string `json:"alg"`
}

type jwtClaims struct {
	Aud string `json:"aud"`
	Exp int64  `json:"exp"`
	Sub string `json:"sub"`
}

// BuildAuthHeaders signs a fresh VAPID token for the origin of endpoint.
// Tokens are not cached.
func BuildAuthHeaders(ctx context.Context, endpoint, subject string, signer Signer) (Headers, error) {
	if signer == nil {
		return Headers{}, fmt.Errorf("%w: no signer", ErrSigning)
	}
	audience, err := Audience(endpoint)
	if err != nil {
		return Headers{}, err
	}
	if !strings.HasPrefix(subject, "mailto:") && !strings.HasPrefix(subject, "https:") {
		return Headers{}, fmt.Errorf("%w: subject %q must be a mailto: or https: URI", ErrSigning, subject)
	}

	headerJSON, err := json.Marshal(jwtHeader{Typ: "JWT", Alg: "ES256"})
	if err != nil {
		return Headers{}, fmt.Errorf("%w: marshaling header: %v", ErrSigning, err)
	}
	claimsJSON, err := json.Marshal(jwtClaims{
		Aud: audience,
		Exp: now().Add(TokenLifetime).Unix(),
		Sub: subject,
	})
	if err != nil {
		return Headers{}, fmt.Errorf("%w: marshaling claims: %v", ErrSigning, err)
	}

	signingInput := codec.EncodeBase64URL(headerJSON) + "." + codec.EncodeBase64URL(claimsJSON)
	hash := sha256.Sum256([]byte(signingInput))

	signature, err := signer.Sign(ctx, hash[:])
	if err != nil {
		return Headers{}, fmt.Errorf("%w: %w", ErrSigning, err)
	}
	if len(signature) != codec.RawSignatureSize {
		return Headers{}, fmt.Errorf("%w: signature is %d bytes, want %d", ErrSigning, len(signature), codec.RawSignatureSize)
	}

	token := signingInput + "." + codec.EncodeBase64URL(signature)
	pub := ApplicationServerKey(signer.PublicKey())
	return Headers{
		Authorization: "vapid t=" + token + ", k=" + pub,
		CryptoKey:     "p256ecdsa=" + pub,
	}, nil
}

// Audience returns the scheme://host origin a token for endpoint must name.
func Audience(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: parsing endpoint: %v", ErrSigning, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: endpoint %q has no origin", ErrSigning, endpoint)
	}
	return u.Scheme + "://" + u.Host, nil
}

// ApplicationServerKey returns the VAPID public key formatted for use with
// the JavaScript PushManager.subscribe() method.
func ApplicationServerKey(publicKey []byte) string {
	return codec.EncodeBase64URL(publicKey)
}

// DecodeApplicationServerKey decodes a base64 URL-encoded application server key.
func DecodeApplicationServerKey(key string) ([]byte, error) {
	b, err := codec.DecodeBase64URL(key)
	if err != nil {
		return nil, err
	}
	if len(b) != codec.PointSize || b[0] != 0x04 {
		return nil, fmt.Errorf("%w: application server key must be a %d byte uncompressed point", codec.ErrInvalidKey, codec.PointSize)
	}
	return b, nil
}
