// Package keys provides VAPID key generation, P-256 key agreement and
// the signers used to authenticate push requests.
package keys

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"os"

	"github.com/imjasonh/pwapush/codec"
)

// FileSigner signs VAPID tokens with a P-256 key held in memory, loaded
// from a PEM file or from base64url configuration values.
type FileSigner struct {
	privateKey *ecdsa.PrivateKey
	publicKey  []byte // uncompressed format
}

// NewFileSigner loads a VAPID key from a PEM file (SEC1 or PKCS#8).
func NewFileSigner(privateKeyPath string) (*FileSigner, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key file: %w", err)
	}
	priv, err := codec.ParseECPrivateKeyPEM(data)
	if err != nil {
		return nil, err
	}
	return newFileSigner(priv)
}

// NewFileSignerFromBase64 creates a FileSigner from a base64url raw
// 32 byte private scalar. The public key is derived from it.
func NewFileSignerFromBase64(privateKeyB64 string) (*FileSigner, error) {
	scalar, err := codec.DecodeBase64URL(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	point, err := PublicKeyFromPrivate(scalar)
	if err != nil {
		return nil, err
	}
	return fromRaw(scalar, point)
}

// NewCredentialSigner creates a FileSigner from a configured base64url
// key pair. The public key derived from the private scalar must match
// publicKeyB64.
func NewCredentialSigner(privateKeyB64, publicKeyB64 string) (*FileSigner, error) {
	scalar, err := codec.DecodeBase64URL(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	configured, err := codec.DecodeBase64URL(publicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	derived, err := PublicKeyFromPrivate(scalar)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(derived, configured) {
		return nil, fmt.Errorf("%w: public key does not belong to private key", codec.ErrInvalidKey)
	}
	return fromRaw(scalar, derived)
}

// fromRaw goes through the SEC1 PEM form so raw configuration keys and
// PEM files share one parsing path.
func fromRaw(scalar, point []byte) (*FileSigner, error) {
	pemData, err := codec.PrivateScalarToPEM(scalar, point)
	if err != nil {
		return nil, err
	}
	priv, err := codec.ParseECPrivateKeyPEM(pemData)
	if err != nil {
		return nil, err
	}
	return newFileSigner(priv)
}

func newFileSigner(priv *ecdsa.PrivateKey) (*FileSigner, error) {
	pub, err := priv.PublicKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", codec.ErrInvalidKey, err)
	}
	return &FileSigner{
		privateKey: priv,
		publicKey:  pub.Bytes(),
	}, nil
}

// Sign signs the SHA-256 digest and returns the signature as raw r||s.
func (s *FileSigner) Sign(_ context.Context, digest []byte) ([]byte, error) {
	der, err := ecdsa.SignASN1(rand.Reader, s.privateKey, digest)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	return codec.DERSignatureToRaw(der)
}

// PublicKey returns the ECDSA public key in uncompressed format.
func (s *FileSigner) PublicKey() []byte {
	return s.publicKey
}

// PublicKeyBase64 returns the public key as a base64 URL-encoded string.
func (s *FileSigner) PublicKeyBase64() string {
	return codec.EncodeBase64URL(s.publicKey)
}

// GenerateKey generates a new VAPID key pair and saves it to a PEM file.
func GenerateKey(path string) (*FileSigner, error) {
	scalar, point, err := GenerateVAPIDKeyPair()
	if err != nil {
		return nil, err
	}
	pemData, err := codec.PrivateScalarToPEM(scalar, point)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, pemData, 0600); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}
	return fromRaw(scalar, point)
}
