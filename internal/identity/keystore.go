package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// ErrInvalidKeystore is returned when AEAD verification fails: wrong
// password or a tampered keystore.
var ErrInvalidKeystore = fmt.Errorf("invalid keystore or wrong password")

// scrypt parameters. Interactive-login strength; derivation takes well
// under a second on commodity hardware.
const (
	scryptN = 1 << 18
	scryptR = 8
	scryptP = 1
)

// KDFParams records the scrypt parameters used for a keystore so older
// keystores stay decryptable if the defaults change.
type KDFParams struct {
	N int `json:"n"`
	R int `json:"r"`
	P int `json:"p"`
}

// Keystore is the encrypted-at-rest form of an identity. The private key
// is sealed with ChaCha20-Poly1305 under a scrypt-derived key.
type Keystore struct {
	Encrypted    bool      `json:"encrypted"`
	AgentID      string    `json:"agent_id"`
	PublicKeyHex string    `json:"public_key_hex"`
	Salt         string    `json:"salt"`
	Nonce        string    `json:"nonce"`
	Ciphertext   string    `json:"ciphertext"`
	KDF          KDFParams `json:"kdf_params"`
}

func deriveKey(password string, salt []byte, p KDFParams) ([]byte, error) {
	return scrypt.Key([]byte(password), salt, p.N, p.R, p.P, chacha20poly1305.KeySize)
}

// ExportEncrypted seals the identity's private key under a password.
func (id *Identity) ExportEncrypted(password string) (*Keystore, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	params := KDFParams{N: scryptN, R: scryptR, P: scryptP}
	key, err := deriveKey(password, salt, params)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, id.priv.Seed(), nil)

	return &Keystore{
		Encrypted:    true,
		AgentID:      id.AgentID,
		PublicKeyHex: id.PublicKeyHex(),
		Salt:         hex.EncodeToString(salt),
		Nonce:        hex.EncodeToString(nonce),
		Ciphertext:   hex.EncodeToString(ct),
		KDF:          params,
	}, nil
}

// FromEncrypted opens a keystore with a password. A wrong password or a
// modified keystore fails AEAD verification and returns ErrInvalidKeystore.
func FromEncrypted(ks *Keystore, password string) (*Identity, error) {
	salt, err := hex.DecodeString(ks.Salt)
	if err != nil {
		return nil, ErrInvalidKeystore
	}
	nonce, err := hex.DecodeString(ks.Nonce)
	if err != nil {
		return nil, ErrInvalidKeystore
	}
	ct, err := hex.DecodeString(ks.Ciphertext)
	if err != nil {
		return nil, ErrInvalidKeystore
	}
	params := ks.KDF
	if params.N == 0 {
		params = KDFParams{N: scryptN, R: scryptR, P: scryptP}
	}
	key, err := deriveKey(password, salt, params)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	seed, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrInvalidKeystore
	}
	id := fromSeed(seed)
	if ks.AgentID != "" && id.AgentID != ks.AgentID {
		return nil, ErrInvalidKeystore
	}
	return id, nil
}
