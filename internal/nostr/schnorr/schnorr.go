// Package schnorr wraps github.com/btcsuite/btcd/btcec/v2 BIP-340 signing
// and verification behind the fixed-size byte shapes nostr uses: 32-byte
// x-only pubkeys, 32-byte message digests, 64-byte signatures.
package schnorr

import (
	"crypto/rand"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"moar.dev/internal/chk"
)

const (
	// PubkeyLen is the length of an x-only secp256k1 public key.
	PubkeyLen = 32
	// SigLen is the length of a BIP-340 Schnorr signature.
	SigLen = 64
	// SecretLen is the length of a secp256k1 private scalar.
	SecretLen = 32
)

// Signer holds a secp256k1 keypair and signs/verifies with it.
type Signer struct {
	sec *btcec.PrivateKey
	pub []byte
}

// New generates a fresh random keypair.
func New() (s *Signer, err error) {
	var sec *btcec.PrivateKey
	if sec, err = btcec.NewPrivateKey(); chk.E(err) {
		return
	}
	s = &Signer{sec: sec}
	pk := sec.PubKey()
	s.pub = schnorr.SerializePubKey(pk)
	return
}

// InitSec loads a signer from a 32-byte secret scalar.
func InitSec(secret []byte) (s *Signer, err error) {
	sec, pub := btcec.PrivKeyFromBytes(secret)
	_ = pub
	s = &Signer{sec: sec, pub: schnorr.SerializePubKey(sec.PubKey())}
	return
}

// Pub returns the 32-byte x-only public key.
func (s *Signer) Pub() []byte { return s.pub }

// Sec returns the 32-byte secret scalar.
func (s *Signer) Sec() []byte {
	if s.sec == nil {
		return nil
	}
	return s.sec.Serialize()
}

// Sign produces a 64-byte BIP-340 signature over a 32-byte message digest.
func (s *Signer) Sign(digest []byte) (sig []byte, err error) {
	var rs *schnorr.Signature
	if rs, err = schnorr.Sign(s.sec, digest, schnorr.FastSign()); chk.E(err) {
		return
	}
	sig = rs.Serialize()
	return
}

// Verify checks a 64-byte signature over a 32-byte digest against the
// 32-byte x-only pubkey pub.
func Verify(pub, digest, sig []byte) (valid bool, err error) {
	var pk *btcec.PublicKey
	if pk, err = schnorr.ParsePubKey(pub); chk.E(err) {
		return
	}
	var rs *schnorr.Signature
	if rs, err = schnorr.ParseSignature(sig); chk.E(err) {
		return
	}
	valid = rs.Verify(digest, pk)
	return
}

// ECDH derives a 32-byte shared secret between s and a counterpart's
// x-only pubkey, by parsing pub under the BIP-340 even-y convention and
// running secp256k1 scalar multiplication. Used to derive the NIP-44
// conversation key for the paywall's wallet-connect channel.
func (s *Signer) ECDH(pub []byte) (secret []byte, err error) {
	var pk *btcec.PublicKey
	if pk, err = schnorr.ParsePubKey(pub); chk.E(err) {
		return
	}
	secret = btcec.GenerateSharedSecret(s.sec, pk)
	return
}

// RandomBytes returns n cryptographically random bytes, used for AUTH
// challenges and similar nonces.
func RandomBytes(n int) (b []byte, err error) {
	b = make([]byte, n)
	if _, err = rand.Read(b); chk.E(err) {
		return
	}
	return
}
