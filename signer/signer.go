// Package signer provides the local in-memory keypair implementation of
// interfaces.Signer.
package signer

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"golang.org/x/crypto/hkdf"

	"github.com/enclaved-org/enclaved/interfaces"
)

// PrivateKeySigner signs with an in-memory secp256k1 key. The secret
// key never leaves the process.
type PrivateKeySigner struct {
	key    *ecdsa.PrivateKey
	pubkey interfaces.Pubkey
}

// New wraps an existing private key.
func New(key *ecdsa.PrivateKey) *PrivateKeySigner {
	return &PrivateKeySigner{
		key:    key,
		pubkey: interfaces.Pubkey(hex.EncodeToString(crypto.CompressPubkey(&key.PublicKey))),
	}
}

// Generate creates a signer with a fresh random keypair.
func Generate() (*PrivateKeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	return New(key), nil
}

// FromSeckey wraps a raw 32-byte secret key.
func FromSeckey(seckey []byte) (*PrivateKeySigner, error) {
	key, err := crypto.ToECDSA(seckey)
	if err != nil {
		return nil, fmt.Errorf("importing secret key: %w", err)
	}
	return New(key), nil
}

// Derive deterministically derives a signer from a master seed and an
// application-specific context string.
func Derive(seed []byte, context string) (*PrivateKeySigner, error) {
	if len(seed) < 32 {
		return nil, errors.New("seed must be at least 32 bytes")
	}
	r := hkdf.New(sha256.New, seed, nil, []byte(context))
	for {
		var candidate [32]byte
		if _, err := io.ReadFull(r, candidate[:]); err != nil {
			return nil, fmt.Errorf("deriving key: %w", err)
		}
		key, err := crypto.ToECDSA(candidate[:])
		if err == nil {
			return New(key), nil
		}
		// candidate outside the curve order, take the next block
	}
}

// Seckey returns the raw secret key bytes. Callers own keeping it off
// any outward-facing path.
func (s *PrivateKeySigner) Seckey() []byte {
	return crypto.FromECDSA(s.key)
}

func (s *PrivateKeySigner) Pubkey() interfaces.Pubkey { return s.pubkey }

// Sign produces a recoverable signature over a 32-byte digest.
func (s *PrivateKeySigner) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, errors.New("digest must be 32 bytes")
	}
	return crypto.Sign(digest, s.key)
}

// Encrypt encrypts plaintext to the peer's public key using ECIES.
func (s *PrivateKeySigner) Encrypt(peer interfaces.Pubkey, plaintext []byte) ([]byte, error) {
	raw, err := peer.Bytes()
	if err != nil {
		return nil, err
	}
	pub, err := crypto.DecompressPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("decompressing peer pubkey: %w", err)
	}
	return ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), plaintext, nil, nil)
}

// Decrypt decrypts a ciphertext produced for this signer's key. The
// peer argument is unused by ECIES but kept for scheme compatibility.
func (s *PrivateKeySigner) Decrypt(_ interfaces.Pubkey, ciphertext []byte) ([]byte, error) {
	return ecies.ImportECDSA(s.key).Decrypt(ciphertext, nil, nil)
}
