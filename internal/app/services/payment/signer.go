package payment

import (
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"
)

// Signer signs transfer messages on behalf of the connected wallet. The
// active account is passed in explicitly rather than read from ambient
// state so the gate stays testable with injected fakes.
type Signer interface {
	PublicKey() string
	Sign(message []byte) ([]byte, error)
}

// LocalSigner holds an in-process ed25519 keypair.
type LocalSigner struct {
	private ed25519.PrivateKey
	public  string
}

// NewLocalSigner wraps an existing private key.
func NewLocalSigner(private ed25519.PrivateKey) (*LocalSigner, error) {
	if len(private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length %d", len(private))
	}
	public := private.Public().(ed25519.PublicKey)
	return &LocalSigner{
		private: private,
		public:  base58.Encode(public),
	}, nil
}

// GenerateSigner creates a fresh keypair, primarily for tests.
func GenerateSigner() (*LocalSigner, error) {
	_, private, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return NewLocalSigner(private)
}

func (s *LocalSigner) PublicKey() string { return s.public }

func (s *LocalSigner) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.private, message), nil
}
