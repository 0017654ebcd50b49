package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/tyler-smith/go-bip39"
)

// ErrInvalidMnemonic is returned for malformed recovery phrases.
var ErrInvalidMnemonic = fmt.Errorf("invalid mnemonic phrase")

// Identity is an Ed25519 keypair with a derived agent ID. Immutable after
// creation; the private key never leaves this package.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey

	AgentID string
	// Mnemonic is only populated when the identity was generated with one.
	Mnemonic string
}

// AgentIDFromPubKey derives the canonical agent ID from a 32-byte Ed25519
// public key: "bcn_" + first 12 hex chars of SHA-256(pubkey).
func AgentIDFromPubKey(pub []byte) string {
	sum := sha256.Sum256(pub)
	return "bcn_" + hex.EncodeToString(sum[:])[:12]
}

func fromSeed(seed []byte) *Identity {
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		priv:    priv,
		pub:     pub,
		AgentID: AgentIDFromPubKey(pub),
	}
}

// Generate creates a fresh identity from cryptographic randomness.
func Generate() (*Identity, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return fromSeed(seed), nil
}

// GenerateWithMnemonic creates an identity backed by a 24-word BIP-39
// phrase. The phrase alone recovers the full identity.
func GenerateWithMnemonic() (*Identity, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, err
	}
	phrase, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, err
	}
	id, err := FromMnemonic(phrase)
	if err != nil {
		return nil, err
	}
	return id, nil
}

// FromMnemonic recovers an identity from a BIP-39 phrase.
func FromMnemonic(phrase string) (*Identity, error) {
	if !bip39.IsMnemonicValid(phrase) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(phrase, "")
	id := fromSeed(seed[:ed25519.SeedSize])
	id.Mnemonic = phrase
	return id, nil
}

// FromPrivateKeyHex loads an identity from a 32-byte seed in hex.
func FromPrivateKeyHex(privHex string) (*Identity, error) {
	raw, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %v", err)
	}
	if len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.SeedSize, len(raw))
	}
	return fromSeed(raw), nil
}

// Sign returns the 64-byte Ed25519 signature over msg.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.priv, msg)
}

// SignHex returns the signature over msg as a hex string.
func (id *Identity) SignHex(msg []byte) string {
	return hex.EncodeToString(id.Sign(msg))
}

// PublicKeyHex returns the 32-byte public key as hex.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.pub)
}

// PrivateKeyHex returns the 32-byte seed as hex. Callers persist this only
// into the encrypted keystore or a private key file.
func (id *Identity) PrivateKeyHex() string {
	return hex.EncodeToString(id.priv.Seed())
}

// PublicKey returns a copy of the raw public key bytes.
func (id *Identity) PublicKey() []byte {
	out := make([]byte, len(id.pub))
	copy(out, id.pub)
	return out
}

// Verify checks an Ed25519 signature given hex-encoded key and signature.
// Malformed hex or wrong-length keys simply fail verification.
func Verify(pubHex, sigHex string, msg []byte) bool {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}
