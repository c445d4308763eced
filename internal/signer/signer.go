// Package signer holds the bridge authority's ed25519 key and signs encoded
// attestations with it.
//
// A Signer is constructed empty and loaded exactly once with Initialize. It
// is owned by whoever constructs it and passed to the components that sign;
// there is no package-level key.
package signer

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/mr-tron/base58"

	"github.com/roach88/bridgekeeper/internal/bridgeerr"
)

const (
	// PublicKeySize is the length of a public identity.
	PublicKeySize = ed25519.PublicKeySize
	// KeypairSize is the length of a seed||public keypair.
	KeypairSize = ed25519.PrivateKeySize
	// SeedSize is the length of a bare private seed.
	SeedSize = ed25519.SeedSize
	// SignatureSize is the length of a signature.
	SignatureSize = ed25519.SignatureSize
)

// ErrMalformedKey is returned for key material of the wrong shape, or a
// keypair whose public half does not belong to its seed.
var ErrMalformedKey = errors.New("signer: malformed key material")

type keypair struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// Signer signs messages with a key loaded once at startup. Sign and
// PublicIdentity are safe for concurrent use.
type Signer struct {
	key atomic.Pointer[keypair]
}

// New returns an uninitialized Signer.
func New() *Signer {
	return &Signer{}
}

// Initialize loads secret, either a 64-byte keypair (seed followed by public
// key) or a 32-byte seed. A second call fails with ALREADY_INITIALIZED and
// keeps the first key.
func (s *Signer) Initialize(secret []byte) error {
	kp, err := loadKeypair(secret)
	if err != nil {
		return err
	}
	if !s.key.CompareAndSwap(nil, kp) {
		return bridgeerr.New(bridgeerr.CodeAlreadyInitialized, "signer key material already loaded")
	}
	return nil
}

// Initialized reports whether key material is loaded.
func (s *Signer) Initialized() bool {
	return s.key.Load() != nil
}

// Sign returns the 64-byte signature of msg.
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	kp := s.key.Load()
	if kp == nil {
		return nil, bridgeerr.New(bridgeerr.CodeNotInitialized, "signer has no key material")
	}
	return ed25519.Sign(kp.private, msg), nil
}

// PublicIdentity returns a copy of the 32-byte public key.
func (s *Signer) PublicIdentity() ([]byte, error) {
	kp := s.key.Load()
	if kp == nil {
		return nil, bridgeerr.New(bridgeerr.CodeNotInitialized, "signer has no key material")
	}
	return bytes.Clone(kp.public), nil
}

// Address returns the base58 public identity, the form the verifying program
// is configured with.
func (s *Signer) Address() (string, error) {
	pub, err := s.PublicIdentity()
	if err != nil {
		return "", err
	}
	return base58.Encode(pub), nil
}

// Verify reports whether sig is a valid signature of msg by pub. Malformed
// inputs verify false.
func Verify(sig, msg, pub []byte) bool {
	if len(sig) != SignatureSize || len(pub) != PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// Generate returns a new 64-byte keypair read from rand, or crypto/rand when
// rand is nil.
func Generate(r io.Reader) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	_, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return []byte(priv), nil
}

// ParseSecret decodes key material from its text form: a JSON array of byte
// values (the usual keypair file format) or a base58 string.
func ParseSecret(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedKey)
	}

	if strings.HasPrefix(text, "[") {
		var values []int
		if err := json.Unmarshal([]byte(text), &values); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
		}
		secret := make([]byte, len(values))
		for i, v := range values {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("%w: element %d out of byte range: %d", ErrMalformedKey, i, v)
			}
			secret[i] = byte(v)
		}
		return secret, nil
	}

	secret, err := base58.Decode(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return secret, nil
}

// FormatSecret renders a keypair as a JSON array of byte values.
func FormatSecret(secret []byte) string {
	values := make([]int, len(secret))
	for i, b := range secret {
		values[i] = int(b)
	}
	out, _ := json.Marshal(values)
	return string(out)
}

// PublicKeyOf derives the base58 address for secret without loading it.
func PublicKeyOf(secret []byte) (string, error) {
	kp, err := loadKeypair(secret)
	if err != nil {
		return "", err
	}
	return base58.Encode(kp.public), nil
}

func loadKeypair(secret []byte) (*keypair, error) {
	var seed []byte
	switch len(secret) {
	case KeypairSize:
		seed = secret[:SeedSize]
	case SeedSize:
		seed = secret
	default:
		return nil, fmt.Errorf("%w: expected %d or %d bytes, got %d", ErrMalformedKey, KeypairSize, SeedSize, len(secret))
	}

	private := ed25519.NewKeyFromSeed(seed)
	public, ok := private.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected public key type", ErrMalformedKey)
	}
	if len(secret) == KeypairSize && !bytes.Equal(public, secret[SeedSize:]) {
		return nil, fmt.Errorf("%w: public half does not match seed", ErrMalformedKey)
	}
	return &keypair{private: private, public: public}, nil
}
