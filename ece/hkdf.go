package ece

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	keyInfoPrefix = []byte("WebPush: info\x00")
	cekInfo       = []byte("Content-Encoding: aes128gcm\x00")
	nonceInfo     = []byte("Content-Encoding: nonce\x00")
)

const (
	keySize   = 16
	nonceSize = 12
)

// HKDF runs HMAC-SHA256 extract-then-expand and returns length bytes.
// An empty salt is treated as 32 zero bytes.
func HKDF(ikm, salt, info []byte, length int) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("%w: hkdf: negative length %d", ErrEncryption, length)
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, info), out); err != nil {
		return nil, fmt.Errorf("%w: hkdf: %v", ErrEncryption, err)
	}
	return out, nil
}

func expand(prk, info []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, info), out); err != nil {
		return nil, fmt.Errorf("%w: hkdf expand: %v", ErrEncryption, err)
	}
	return out, nil
}

// deriveKeys computes the content encryption key and nonce for one
// message from the ECDH secret, the subscriber auth secret, both public
// keys and the message salt.
func deriveKeys(secret, auth, uaPublic, asPublic, salt []byte) (cek, nonce []byte, err error) {
	info := make([]byte, 0, len(keyInfoPrefix)+len(uaPublic)+len(asPublic))
	info = append(info, keyInfoPrefix...)
	info = append(info, uaPublic...)
	info = append(info, asPublic...)

	ikm, err := HKDF(secret, auth, info, 32)
	if err != nil {
		return nil, nil, err
	}

	// CEK and nonce are expanded directly from this PRK (RFC 8291 section 3.4).
	prk := hkdf.Extract(sha256.New, ikm, salt)

	if cek, err = expand(prk, cekInfo, keySize); err != nil {
		return nil, nil, err
	}
	if nonce, err = expand(prk, nonceInfo, nonceSize); err != nil {
		return nil, nil, err
	}
	return cek, nonce, nil
}
