package keys

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// DefaultKeyringPrefix names the keyring items holding the VAPID pair.
const DefaultKeyringPrefix = "vapid"

// OpenKeyring opens the OS keyring for serviceName, falling back to an
// encrypted file under fileDir when no native backend is available.
func OpenKeyring(serviceName, fileDir, filePassword string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(filePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// LoadKeyringCredentials reads a base64url VAPID pair stored under
// <prefix>.private and <prefix>.public. A missing item is reported as
// keyring.ErrKeyNotFound.
func LoadKeyringCredentials(ring keyring.Keyring, prefix string) (privateKeyB64, publicKeyB64 string, err error) {
	priv, err := ring.Get(prefix + ".private")
	if err != nil {
		return "", "", fmt.Errorf("getting %s.private: %w", prefix, err)
	}
	pub, err := ring.Get(prefix + ".public")
	if err != nil {
		return "", "", fmt.Errorf("getting %s.public: %w", prefix, err)
	}
	return string(priv.Data), string(pub.Data), nil
}

// StoreKeyringCredentials generates a new VAPID pair and stores it in
// ring, returning the stored values.
func StoreKeyringCredentials(ring keyring.Keyring, prefix string) (privateKeyB64, publicKeyB64 string, err error) {
	privateKeyB64, publicKeyB64, err = GenerateKeyPair()
	if err != nil {
		return "", "", err
	}
	if err := ring.Set(keyring.Item{
		Key:   prefix + ".private",
		Label: "VAPID private key",
		Data:  []byte(privateKeyB64),
	}); err != nil {
		return "", "", fmt.Errorf("setting %s.private: %w", prefix, err)
	}
	if err := ring.Set(keyring.Item{
		Key:   prefix + ".public",
		Label: "VAPID public key",
		Data:  []byte(publicKeyB64),
	}); err != nil {
		return "", "", fmt.Errorf("setting %s.public: %w", prefix, err)
	}
	return privateKeyB64, publicKeyB64, nil
}

// KeyringSigner loads the pair from ring, generating and storing one on
// first use, and returns a signer for it.
func KeyringSigner(ring keyring.Keyring, prefix string) (*FileSigner, error) {
	priv, pub, err := LoadKeyringCredentials(ring, prefix)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		priv, pub, err = StoreKeyringCredentials(ring, prefix)
	}
	if err != nil {
		return nil, err
	}
	return NewCredentialSigner(priv, pub)
}
