// Package security holds per-node signing identities.
//
// A Keyring maps node addresses to ed448 key pairs and implements the
// engine's Signer, so a rule table can sign tuples it sends and verify
// tuples it receives against the address they claim to come from.
//
// Keys are either registered explicitly, generated from crypto/rand or,
// for simulations, derived deterministically from a shared secret and the
// node address.
package security

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"sync"

	"github.com/cloudflare/circl/sign/ed448"
	"github.com/cockroachdb/errors"

	"github.com/roach88/ndrt/internal/ir"
)

// SignatureContext is the ed448 context string bound into every tuple
// signature, so a signature made here is useless for any other protocol.
const SignatureContext = "ndrt/tuple/v1"

const derivationDomain = "ndrt/keyring/v1\x00"

// ErrUnknownIdentity is returned when signing for an address without a
// private key.
var ErrUnknownIdentity = errors.New("unknown signing identity")

// Option configures a Keyring.
type Option func(*Keyring)

// WithDerivation makes the keyring derive a key pair for any address it
// has not seen, from secret and the address. Every keyring built with the
// same secret agrees on every node's keys.
func WithDerivation(secret []byte) Option {
	return func(k *Keyring) {
		k.secret = append([]byte(nil), secret...)
		k.derive = true
	}
}

// Keyring is a thread-safe address -> key pair registry.
type Keyring struct {
	mu     sync.RWMutex
	priv   map[ir.Address]ed448.PrivateKey
	pub    map[ir.Address]ed448.PublicKey
	secret []byte
	derive bool
}

// NewKeyring creates an empty keyring.
func NewKeyring(opts ...Option) *Keyring {
	k := &Keyring{
		priv: make(map[ir.Address]ed448.PrivateKey),
		pub:  make(map[ir.Address]ed448.PublicKey),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// DeriveKey returns the key pair for addr under secret.
func DeriveKey(secret []byte, addr ir.Address) ed448.PrivateKey {
	h := sha512.New()
	h.Write([]byte(derivationDomain))
	h.Write(secret)
	var a [4]byte
	binary.BigEndian.PutUint32(a[:], uint32(addr))
	h.Write(a[:])
	return ed448.NewKeyFromSeed(h.Sum(nil)[:ed448.SeedSize])
}

// Generate creates a fresh random key pair for addr, replacing any
// existing one, and returns the public key.
func (k *Keyring) Generate(addr ir.Address) (ed448.PublicKey, error) {
	pub, priv, err := ed448.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrapf(err, "generate key for %s", addr)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.priv[addr] = priv
	k.pub[addr] = pub
	return pub, nil
}

// Add registers a private key for addr.
func (k *Keyring) Add(addr ir.Address, priv ed448.PrivateKey) error {
	if len(priv) != ed448.PrivateKeySize {
		return errors.Newf("key for %s: want %d bytes, got %d", addr, ed448.PrivateKeySize, len(priv))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.priv[addr] = priv
	k.pub[addr] = priv.Public().(ed448.PublicKey)
	return nil
}

// AddPublic registers a verify-only key for addr.
func (k *Keyring) AddPublic(addr ir.Address, pub ed448.PublicKey) error {
	if len(pub) != ed448.PublicKeySize {
		return errors.Newf("public key for %s: want %d bytes, got %d", addr, ed448.PublicKeySize, len(pub))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pub[addr] = pub
	return nil
}

// PublicKey returns addr's public key.
func (k *Keyring) PublicKey(addr ir.Address) (ed448.PublicKey, bool) {
	if _, pub, ok := k.lookup(addr, false); ok {
		return pub, true
	}
	return nil, false
}

// Sign implements engine.Signer.
func (k *Keyring) Sign(payload []byte, identity ir.Address) ([]byte, error) {
	priv, _, ok := k.lookup(identity, true)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownIdentity, "sign as %s", identity)
	}
	return ed448.Sign(priv, payload, SignatureContext), nil
}

// Verify implements engine.Signer. Unknown identities and malformed
// signatures fail.
func (k *Keyring) Verify(payload, sig []byte, identity ir.Address) bool {
	_, pub, ok := k.lookup(identity, false)
	if !ok || len(sig) != ed448.SignatureSize {
		return false
	}
	return ed448.Verify(pub, payload, sig, SignatureContext)
}

func (k *Keyring) lookup(addr ir.Address, needPriv bool) (ed448.PrivateKey, ed448.PublicKey, bool) {
	k.mu.RLock()
	priv, hasPriv := k.priv[addr]
	pub, hasPub := k.pub[addr]
	k.mu.RUnlock()

	if hasPub && (hasPriv || !needPriv) {
		return priv, pub, true
	}
	if !k.derive {
		return nil, nil, false
	}

	priv = DeriveKey(k.secret, addr)
	pub = priv.Public().(ed448.PublicKey)
	k.mu.Lock()
	k.priv[addr] = priv
	k.pub[addr] = pub
	k.mu.Unlock()
	return priv, pub, true
}
