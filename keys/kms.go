package keys

import (
	"context"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"

	"github.com/imjasonh/pwapush/codec"
)

// KMSSigner signs VAPID tokens with an EC_SIGN_P256_SHA256 key held in
// Google Cloud KMS. The private scalar never leaves KMS.
type KMSSigner struct {
	client    *kms.KeyManagementClient
	keyName   string
	publicKey []byte // uncompressed format
}

// NewKMSSigner creates a new KMS-backed signer.
// keyName should be in the format:
// projects/{project}/locations/{location}/keyRings/{keyRing}/cryptoKeys/{key}/cryptoKeyVersions/{version}
func NewKMSSigner(ctx context.Context, keyName string) (*KMSSigner, error) {
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	resp, err := client.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{
		Name: keyName,
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("getting public key: %w", err)
	}

	pubKey, err := codec.PEMToPublicPoint([]byte(resp.Pem))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("parsing KMS public key: %w", err)
	}

	return &KMSSigner{
		client:    client,
		keyName:   keyName,
		publicKey: pubKey,
	}, nil
}

// Sign signs the SHA-256 digest using KMS and returns the signature as raw r||s.
func (s *KMSSigner) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	resp, err := s.client.AsymmetricSign(ctx, &kmspb.AsymmetricSignRequest{
		Name: s.keyName,
		Digest: &kmspb.Digest{
			Digest: &kmspb.Digest_Sha256{
				Sha256: digest,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("signing with KMS: %w", err)
	}

	// KMS returns DER.
	return codec.DERSignatureToRaw(resp.Signature)
}

// PublicKey returns the ECDSA public key in uncompressed format.
func (s *KMSSigner) PublicKey() []byte {
	return s.publicKey
}

// Close closes the underlying KMS client.
func (s *KMSSigner) Close() error {
	return s.client.Close()
}
