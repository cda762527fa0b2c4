package pushtest

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"

	"github.com/imjasonh/pwapush"
	"github.com/imjasonh/pwapush/codec"
	"github.com/imjasonh/pwapush/ece"
)

// UserAgent holds the subscription keys a browser would create.
type UserAgent struct {
	priv *ecdh.PrivateKey
	auth []byte
}

// NewUserAgent generates a fresh P-256 key pair and auth secret.
func NewUserAgent() (*UserAgent, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating user agent key: %w", err)
	}
	auth := make([]byte, ece.AuthSecretSize)
	if _, err := rand.Read(auth); err != nil {
		return nil, fmt.Errorf("generating auth secret: %w", err)
	}
	return &UserAgent{priv: priv, auth: auth}, nil
}

// Keys returns the base64url keys as PushSubscription.toJSON() reports them.
func (u *UserAgent) Keys() pwapush.Keys {
	return pwapush.Keys{
		P256dh: codec.EncodeBase64URL(u.priv.PublicKey().Bytes()),
		Auth:   codec.EncodeBase64URL(u.auth),
	}
}

// Subscription returns a subscription for endpoint using this agent's keys.
func (u *UserAgent) Subscription(endpoint string) *pwapush.Subscription {
	return &pwapush.Subscription{Endpoint: endpoint, Keys: u.Keys()}
}

// Decrypt opens a body encrypted for this agent.
func (u *UserAgent) Decrypt(body []byte) ([]byte, error) {
	return ece.Decrypt(body, u.priv, u.auth)
}
