package keys

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/imjasonh/pwapush/codec"
)

var (
	// ErrKeyGeneration is returned when the curve fails to produce a key.
	// It is not retryable.
	ErrKeyGeneration = errors.New("keys: key generation failed")
	// ErrKeyAgreement is returned for malformed local or remote keys.
	ErrKeyAgreement = errors.New("keys: key agreement failed")
)

// GenerateVAPIDKeyPair creates a new P-256 key pair for VAPID and returns
// the raw 32 byte private scalar and the 65 byte uncompressed public point.
func GenerateVAPIDKeyPair() (privateKey, publicKey []byte, err error) {
	k, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return k.Bytes(), k.PublicKey().Bytes(), nil
}

// GenerateKeyPair generates a new VAPID key pair and returns both keys
// base64url encoded, the form browsers expect for applicationServerKey.
func GenerateKeyPair() (privateKeyB64, publicKeyB64 string, err error) {
	priv, pub, err := GenerateVAPIDKeyPair()
	if err != nil {
		return "", "", err
	}
	return codec.EncodeBase64URL(priv), codec.EncodeBase64URL(pub), nil
}

// GenerateEphemeralKeyPair returns a fresh P-256 key for a single message
// encryption. Callers must never reuse it across messages.
func GenerateEphemeralKeyPair() (*ecdh.PrivateKey, error) {
	k, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return k, nil
}

// SharedSecret performs P-256 ECDH between local and the uncompressed
// remote point, returning the 32 byte X coordinate.
func SharedSecret(local *ecdh.PrivateKey, remotePoint []byte) ([]byte, error) {
	if local == nil || local.Curve() != ecdh.P256() {
		return nil, fmt.Errorf("%w: local key must be P-256", ErrKeyAgreement)
	}
	remote, err := ecdh.P256().NewPublicKey(remotePoint)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing remote public key: %v", ErrKeyAgreement, err)
	}
	secret, err := local.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyAgreement, err)
	}
	return secret, nil
}

// PublicKeyFromPrivate derives the uncompressed public point for a raw
// private scalar.
func PublicKeyFromPrivate(privateKey []byte) ([]byte, error) {
	k, err := ecdh.P256().NewPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", codec.ErrInvalidKey, err)
	}
	return k.PublicKey().Bytes(), nil
}
