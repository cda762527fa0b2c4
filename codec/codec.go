// Package codec implements the byte-level encodings used by Web Push:
// unpadded base64url, DER to raw ECDSA signature conversion, and the
// minimal ASN.1 wrappers that turn raw P-256 points and scalars into PEM.
package codec

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDecode is returned for malformed base64url or PEM input.
	ErrDecode = errors.New("codec: decode error")
	// ErrSignatureFormat is returned when a DER signature cannot be parsed.
	ErrSignatureFormat = errors.New("codec: invalid DER signature")
	// ErrInvalidKey is returned for key material of the wrong size or curve.
	ErrInvalidKey = errors.New("codec: invalid key")
)

const (
	// PointSize is the length of an uncompressed P-256 point (0x04||X||Y).
	PointSize = 65
	// ScalarSize is the length of a raw P-256 private scalar.
	ScalarSize = 32
	// RawSignatureSize is the length of an ES256 r||s signature.
	RawSignatureSize = 64
)

// EncodeBase64URL encodes b with the URL alphabet and no padding.
func EncodeBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBase64URL decodes unpadded (or padded) base64url input.
func DecodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	b, err := base64.URLEncoding.Strict().DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return b, nil
}

// DERSignatureToRaw converts an ASN.1 DER ECDSA signature
// (SEQUENCE { INTEGER r, INTEGER s }) into the fixed-width 64 byte
// r||s form used by JWS ES256.
func DERSignatureToRaw(der []byte) ([]byte, error) {
	if len(der) == 0 || der[0] != 0x30 {
		return nil, fmt.Errorf("%w: missing SEQUENCE tag", ErrSignatureFormat)
	}
	seqLen, off, err := readLength(der, 1)
	if err != nil {
		return nil, err
	}
	if off+seqLen != len(der) {
		return nil, fmt.Errorf("%w: SEQUENCE length %d does not match %d bytes", ErrSignatureFormat, seqLen, len(der)-off)
	}

	r, off, err := readInteger(der, off)
	if err != nil {
		return nil, fmt.Errorf("reading r: %w", err)
	}
	s, off, err := readInteger(der, off)
	if err != nil {
		return nil, fmt.Errorf("reading s: %w", err)
	}
	if off != len(der) {
		return nil, fmt.Errorf("%w: trailing data", ErrSignatureFormat)
	}

	raw := make([]byte, RawSignatureSize)
	copy(raw[32-len(r):32], r)
	copy(raw[64-len(s):], s)
	return raw, nil
}

// readLength reads a DER length at b[off]. Only short form and the
// single-byte long form occur in P-256 signatures.
func readLength(b []byte, off int) (int, int, error) {
	if off >= len(b) {
		return 0, 0, fmt.Errorf("%w: truncated length", ErrSignatureFormat)
	}
	l := int(b[off])
	off++
	if l < 0x80 {
		return l, off, nil
	}
	if l != 0x81 || off >= len(b) {
		return 0, 0, fmt.Errorf("%w: unsupported length encoding 0x%02x", ErrSignatureFormat, l)
	}
	l = int(b[off])
	off++
	if l < 0x80 {
		return 0, 0, fmt.Errorf("%w: non-minimal length", ErrSignatureFormat)
	}
	return l, off, nil
}

func readInteger(b []byte, off int) ([]byte, int, error) {
	if off >= len(b) || b[off] != 0x02 {
		return nil, 0, fmt.Errorf("%w: missing INTEGER tag", ErrSignatureFormat)
	}
	n, off, err := readLength(b, off+1)
	if err != nil {
		return nil, 0, err
	}
	if n == 0 || off+n > len(b) {
		return nil, 0, fmt.Errorf("%w: INTEGER length %d out of range", ErrSignatureFormat, n)
	}
	v := bytes.TrimLeft(b[off:off+n], "\x00")
	if len(v) > 32 {
		return nil, 0, fmt.Errorf("%w: INTEGER wider than 32 bytes", ErrSignatureFormat)
	}
	return v, off + n, nil
}

// SubjectPublicKeyInfo header for id-ecPublicKey / prime256v1, followed by
// the BIT STRING holding the 65 byte point.
var spkiPrefix = []byte{
	0x30, 0x59, // SEQUENCE
	0x30, 0x13, // SEQUENCE (AlgorithmIdentifier)
	0x06, 0x07, 0x2a, 0x86, 0x48, 0xce, 0x3d, 0x02, 0x01, // ecPublicKey
	0x06, 0x08, 0x2a, 0x86, 0x48, 0xce, 0x3d, 0x03, 0x01, 0x07, // prime256v1
	0x03, 0x42, 0x00, // BIT STRING, no unused bits
}

// SEC1 ECPrivateKey: version 1, OCTET STRING scalar, [0] curve, [1] point.
var (
	sec1Prefix = []byte{
		0x30, 0x77, // SEQUENCE
		0x02, 0x01, 0x01, // INTEGER 1
		0x04, 0x20, // OCTET STRING (32)
	}
	sec1Middle = []byte{
		0xa0, 0x0a, 0x06, 0x08, 0x2a, 0x86, 0x48, 0xce, 0x3d, 0x03, 0x01, 0x07,
		0xa1, 0x44, 0x03, 0x42, 0x00,
	}
)

func normalizePoint(point []byte) ([]byte, error) {
	switch {
	case len(point) == PointSize && point[0] == 0x04:
		return point, nil
	case len(point) == PointSize-1:
		return append([]byte{0x04}, point...), nil
	}
	return nil, fmt.Errorf("%w: public point must be %d bytes uncompressed, got %d", ErrInvalidKey, PointSize, len(point))
}

// PublicPointToPEM wraps a raw uncompressed P-256 point in a PUBLIC KEY
// PEM block. A 64 byte X||Y input gets the 0x04 prefix added.
func PublicPointToPEM(point []byte) ([]byte, error) {
	p, err := normalizePoint(point)
	if err != nil {
		return nil, err
	}
	der := make([]byte, 0, len(spkiPrefix)+PointSize)
	der = append(der, spkiPrefix...)
	der = append(der, p...)
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// PEMToPublicPoint extracts the raw uncompressed point from a PUBLIC KEY
// PEM block holding a P-256 key.
func PEMToPublicPoint(data []byte) ([]byte, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrDecode)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing public key: %v", ErrDecode, err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok || ecPub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: key is not P-256 ECDSA", ErrInvalidKey)
	}
	ecdhPub, err := ecPub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return ecdhPub.Bytes(), nil
}

// ParsePublicPoint returns the ECDSA public key for a raw uncompressed
// P-256 point.
func ParsePublicPoint(point []byte) (*ecdsa.PublicKey, error) {
	pemData, err := PublicPointToPEM(point)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemData)
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: key is not ECDSA", ErrInvalidKey)
	}
	return ecPub, nil
}

// PrivateScalarToPEM wraps a raw 32 byte scalar and its public point in
// an EC PRIVATE KEY (SEC1) PEM block.
func PrivateScalarToPEM(scalar, point []byte) ([]byte, error) {
	if len(scalar) != ScalarSize {
		return nil, fmt.Errorf("%w: private key must be %d bytes, got %d", ErrInvalidKey, ScalarSize, len(scalar))
	}
	p, err := normalizePoint(point)
	if err != nil {
		return nil, err
	}
	der := make([]byte, 0, 2+0x77)
	der = append(der, sec1Prefix...)
	der = append(der, scalar...)
	der = append(der, sec1Middle...)
	der = append(der, p...)
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// ParseECPrivateKeyPEM parses an EC PRIVATE KEY (SEC1) or PRIVATE KEY
// (PKCS#8) block holding a P-256 key.
func ParseECPrivateKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrDecode)
	}

	var priv *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing EC private key: %v", ErrDecode, err)
		}
		priv = k
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing PKCS#8 private key: %v", ErrDecode, err)
		}
		ec, ok := k.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: key is not ECDSA", ErrInvalidKey)
		}
		priv = ec
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrDecode, block.Type)
	}

	if priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: key must be P-256 curve", ErrInvalidKey)
	}
	return priv, nil
}

// PEMToPrivateScalar extracts the raw scalar and uncompressed public
// point from a private key PEM block.
func PEMToPrivateScalar(data []byte) (scalar, point []byte, err error) {
	priv, err := ParseECPrivateKeyPEM(data)
	if err != nil {
		return nil, nil, err
	}
	k, err := priv.ECDH()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return k.Bytes(), k.PublicKey().Bytes(), nil
}
