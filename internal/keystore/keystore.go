// Package keystore derives and holds the per-service signing keys an
// operator uses to sign envelopes (spec §4.4). Keys are derived
// deterministically from a single root seed via HMAC-SHA512, the same
// construction the teacher's infrastructure/crypto package uses for
// per-subject envelope keys, generalized here from AES key derivation to
// secp256k1 private scalar derivation.
package keystore

import (
	"crypto/hmac"
	"crypto/sha512"
	"fmt"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	werrors "github.com/Lay3rLabs/wavs/infrastructure/errors"
	wavshex "github.com/Lay3rLabs/wavs/infrastructure/hex"
)

const derivationInfo = "wavs-service-signing-key-v1"

// Keystore lazily derives and caches a signing key per service id. Keys are
// never persisted; they are re-derived deterministically from the root seed
// on process restart.
type Keystore struct {
	mu   sync.RWMutex
	seed []byte
	keys map[string]*secp256k1.PrivateKey
}

// New creates a Keystore rooted at seed. The seed is copied; the caller
// should zero its own copy after this call.
func New(seed []byte) (*Keystore, error) {
	if len(seed) == 0 {
		return nil, werrors.KeyDerivationFailed("root", fmt.Errorf("empty seed"))
	}
	cp := make([]byte, len(seed))
	copy(cp, seed)
	return &Keystore{
		seed: cp,
		keys: make(map[string]*secp256k1.PrivateKey),
	}, nil
}

// deriveScalar runs HMAC-SHA512(seed, info || 0 || serviceID) and reduces the
// first 32 bytes of the result mod the curve order by handing them to
// secp256k1.PrivKeyFromBytes, which itself reduces mod N.
func (k *Keystore) deriveScalar(serviceID string) *secp256k1.PrivateKey {
	mac := hmac.New(sha512.New, k.seed)
	_, _ = mac.Write([]byte(derivationInfo))
	_, _ = mac.Write([]byte{0})
	_, _ = mac.Write([]byte(serviceID))
	sum := mac.Sum(nil)
	priv := secp256k1.PrivKeyFromBytes(sum[:32])
	return priv
}

// KeyFor returns the signing key for serviceID, deriving and caching it on
// first use. Concurrent callers for distinct service ids do not contend
// beyond the read lock; only the first caller for a given id pays the write
// lock and derivation cost.
func (k *Keystore) KeyFor(serviceID string) (*secp256k1.PrivateKey, error) {
	if serviceID == "" {
		return nil, werrors.KeyDerivationFailed(serviceID, fmt.Errorf("empty service id"))
	}

	k.mu.RLock()
	priv, ok := k.keys[serviceID]
	k.mu.RUnlock()
	if ok {
		return priv, nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if priv, ok := k.keys[serviceID]; ok {
		return priv, nil
	}
	priv = k.deriveScalar(serviceID)
	k.keys[serviceID] = priv
	return priv, nil
}

// AddressFor returns the Keccak-256-derived EVM-style address of the
// service's signing key: the last 20 bytes of Keccak256(pubkey[1:]) where
// pubkey is the 65-byte uncompressed SEC1 encoding.
func (k *Keystore) AddressFor(serviceID string) (string, error) {
	priv, err := k.KeyFor(serviceID)
	if err != nil {
		return "", err
	}
	pub := priv.PubKey().SerializeUncompressed()
	hash := sha3.NewLegacyKeccak256()
	hash.Write(pub[1:])
	sum := hash.Sum(nil)
	return wavshex.EncodeWithPrefix(sum[len(sum)-20:]), nil
}

// Sign produces a 65-byte recoverable ECDSA signature (r || s || recovery id)
// over digest, the wire format EVM-style consumers expect for ecrecover.
func (k *Keystore) Sign(serviceID string, digest [32]byte) ([]byte, error) {
	priv, err := k.KeyFor(serviceID)
	if err != nil {
		return nil, err
	}
	sig := ecdsa.SignCompact(priv, digest[:], false)
	if len(sig) != 65 {
		return nil, werrors.KeyDerivationFailed(serviceID, fmt.Errorf("unexpected signature length %d", len(sig)))
	}
	// ecdsa.SignCompact returns (27+recid)||r||s; callers downstream
	// (submission, aggregator) expect the EVM convention r||s||recid with
	// recid normalized to 0/1.
	out := make([]byte, 65)
	copy(out[0:32], sig[1:33])
	copy(out[32:64], sig[33:65])
	out[64] = (sig[0] - 27) & 0x03
	return out, nil
}

// Drop removes a service's cached key from memory so it can no longer be
// used without re-derivation; intended for use when a service is deleted.
func (k *Keystore) Drop(serviceID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, serviceID)
}
