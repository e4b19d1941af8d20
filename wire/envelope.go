// Package wire implements the signed envelope format used on the
// broadcast transport: announcements, certificates, release
// declarations and the encrypted RPC exchange are all envelopes.
package wire

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/enclaved-org/enclaved/interfaces"
)

// Envelope kinds. The numeric values are part of the public protocol
// and must not change.
const (
	KindProfile              = 0
	KindNote                 = 1
	KindRelays               = 10002
	KindAttestation          = 9425
	KindContainer            = 19425
	KindRPC                  = 29425
	KindAnnouncement         = 63793
	KindBuild                = 63794
	KindBuildSignature       = 63795
	KindInstanceSignature    = 63796
	KindRootCertificate      = 63797
	KindContainerCertificate = 63798
	KindRelease              = 63799
	KindReleaseSignature     = 63800
)

// Envelope is one signed message on the broadcast transport.
type Envelope struct {
	ID        string            `json:"id"`
	Pubkey    interfaces.Pubkey `json:"pubkey"`
	Kind      int               `json:"kind"`
	CreatedAt int64             `json:"created_at"`
	Tags      [][]string        `json:"tags"`
	Content   string            `json:"content"`
	Sig       string            `json:"sig"`
}

// Digest computes the canonical digest covered by the signature: the
// keccak256 hash of the JSON serialization of
// [0, pubkey, created_at, kind, tags, content].
func (e *Envelope) Digest() ([]byte, error) {
	canonical, err := json.Marshal([]any{0, e.Pubkey, e.CreatedAt, e.Kind, e.Tags, e.Content})
	if err != nil {
		return nil, fmt.Errorf("serializing envelope: %w", err)
	}
	return crypto.Keccak256(canonical), nil
}

// Finalize fills in pubkey, created_at (if zero), id and signature
// using the given signer.
func Finalize(e *Envelope, signer interfaces.Signer) error {
	e.Pubkey = signer.Pubkey()
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}
	if e.Tags == nil {
		e.Tags = [][]string{}
	}

	digest, err := e.Digest()
	if err != nil {
		return err
	}
	e.ID = hex.EncodeToString(digest)

	sig, err := signer.Sign(digest)
	if err != nil {
		return fmt.Errorf("signing envelope: %w", err)
	}
	e.Sig = hex.EncodeToString(sig)
	return nil
}

// Verify checks the envelope id and signature against its pubkey.
func Verify(e *Envelope) error {
	digest, err := e.Digest()
	if err != nil {
		return err
	}
	if e.ID != hex.EncodeToString(digest) {
		return errors.New("envelope id mismatch")
	}

	sig, err := hex.DecodeString(e.Sig)
	if err != nil || len(sig) != 65 {
		return errors.New("malformed envelope signature")
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("recovering envelope signer: %w", err)
	}
	if hex.EncodeToString(crypto.CompressPubkey(pub)) != string(e.Pubkey) {
		return errors.New("envelope signature does not match pubkey")
	}
	return nil
}

// TagValue returns the second element of the first tag named name, or
// empty string if absent.
func TagValue(e *Envelope, name string) string {
	for _, t := range e.Tags {
		if len(t) > 1 && t[0] == name {
			return t[1]
		}
	}
	return ""
}

// HasTag reports whether the envelope carries a tag name with the given
// value.
func HasTag(e *Envelope, name, value string) bool {
	for _, t := range e.Tags {
		if len(t) > 1 && t[0] == name && t[1] == value {
			return true
		}
	}
	return false
}

// Filter selects envelopes when fetching or subscribing on the
// broadcast transport.
type Filter struct {
	Authors []interfaces.Pubkey `json:"authors,omitempty"`
	Kinds   []int               `json:"kinds,omitempty"`
	Refs    []string            `json:"#r,omitempty"`
	PTags   []interfaces.Pubkey `json:"#p,omitempty"`
	Since   int64               `json:"since,omitempty"`
	Limit   int                 `json:"limit,omitempty"`
}

// Matches reports whether the envelope passes every constraint of the
// filter.
func (f *Filter) Matches(e *Envelope) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if e.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Authors) > 0 {
		ok := false
		for _, a := range f.Authors {
			if e.Pubkey == a {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Refs) > 0 {
		ok := false
		for _, r := range f.Refs {
			if HasTag(e, "r", r) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.PTags) > 0 {
		ok := false
		for _, p := range f.PTags {
			if HasTag(e, "p", string(p)) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Since > 0 && e.CreatedAt < f.Since {
		return false
	}
	return true
}
