// Package ece implements the aes128gcm content encoding for Web Push
// message encryption.
package ece

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/imjasonh/pwapush/codec"
	"github.com/imjasonh/pwapush/keys"
)

// ErrEncryption is returned for any failure to produce or open an
// encrypted body.
var ErrEncryption = errors.New("ece: encryption failed")

const (
	// RecordSize is the rs value written into every header.
	RecordSize = 4096
	// HeaderSize is salt(16) + rs(4) + idlen(1) + keyid(65).
	HeaderSize = 16 + 4 + 1 + codec.PointSize
	// AuthSecretSize is the length of a subscription auth secret.
	AuthSecretSize = 16
	// MaxPlaintextSize keeps the whole body within one record.
	MaxPlaintextSize = RecordSize - HeaderSize - 1 - tagSize

	saltSize = 16
	tagSize  = 16

	lastRecordDelimiter = 0x02
)

// Encrypt encrypts plaintext for the subscriber holding clientPublicKey
// and authSecret. A fresh ephemeral key pair and salt are generated for
// every call.
func Encrypt(plaintext, clientPublicKey, authSecret []byte) ([]byte, error) {
	eph, err := keys.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: generating salt: %v", ErrEncryption, err)
	}
	return encrypt(plaintext, clientPublicKey, authSecret, eph, salt)
}

func encrypt(plaintext, clientPublicKey, authSecret []byte, eph *ecdh.PrivateKey, salt []byte) ([]byte, error) {
	if len(authSecret) != AuthSecretSize {
		return nil, fmt.Errorf("%w: auth secret must be %d bytes, got %d", ErrEncryption, AuthSecretSize, len(authSecret))
	}
	if len(plaintext) > MaxPlaintextSize {
		return nil, fmt.Errorf("%w: plaintext of %d bytes exceeds %d", ErrEncryption, len(plaintext), MaxPlaintextSize)
	}

	secret, err := keys.SharedSecret(eph, clientPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	asPublic := eph.PublicKey().Bytes()

	cek, nonce, err := deriveKeys(secret, authSecret, clientPublicKey, asPublic, salt)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(cek)
	if err != nil {
		return nil, err
	}

	padded := make([]byte, 0, len(plaintext)+1)
	padded = append(padded, plaintext...)
	padded = append(padded, lastRecordDelimiter)

	body := make([]byte, 0, HeaderSize+len(padded)+tagSize)
	body = append(body, salt...)
	body = binary.BigEndian.AppendUint32(body, RecordSize)
	body = append(body, byte(len(asPublic)))
	body = append(body, asPublic...)
	return gcm.Seal(body, nonce, padded, nil), nil
}

// Decrypt opens a single-record aes128gcm body as the user agent holding
// uaPrivate and authSecret would, returning the plaintext without padding.
func Decrypt(body []byte, uaPrivate *ecdh.PrivateKey, authSecret []byte) ([]byte, error) {
	if len(body) < 16+4+1 {
		return nil, fmt.Errorf("%w: body too short for header", ErrEncryption)
	}
	salt := body[:saltSize]
	rs := binary.BigEndian.Uint32(body[16:20])
	idlen := int(body[20])
	if len(body) < 21+idlen+tagSize {
		return nil, fmt.Errorf("%w: body too short for key id", ErrEncryption)
	}
	asPublic := body[21 : 21+idlen]
	record := body[21+idlen:]
	if uint32(len(record)) > rs {
		return nil, fmt.Errorf("%w: multi-record bodies are not supported", ErrEncryption)
	}
	if uaPrivate == nil {
		return nil, fmt.Errorf("%w: missing user agent key", ErrEncryption)
	}

	secret, err := keys.SharedSecret(uaPrivate, asPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	cek, nonce, err := deriveKeys(secret, authSecret, uaPrivate.PublicKey().Bytes(), asPublic, salt)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(cek)
	if err != nil {
		return nil, err
	}
	padded, err := gcm.Open(nil, nonce, record, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	padded = bytes.TrimRight(padded, "\x00")
	if len(padded) == 0 || padded[len(padded)-1] != lastRecordDelimiter {
		return nil, fmt.Errorf("%w: missing padding delimiter", ErrEncryption)
	}
	return padded[:len(padded)-1], nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: creating cipher: %v", ErrEncryption, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: creating GCM: %v", ErrEncryption, err)
	}
	return gcm, nil
}
