package paywall

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"

	"moar.dev/internal/nostr/schnorr"
)

// This file implements the encrypted request/response channel spec.md
// §4.H's "encrypted direct channel" calls for between the paywall
// controller and the configured NWC wallet. The teacher's own
// orly.dev/pkg/crypto/encryption package is referenced by
// pkg/protocol/nwc/client.go (GenerateConversationKeyWithSigner, Encrypt)
// but was not present in the retrieved snapshot to ground an exact
// reimplementation on, so this follows the published NIP-44 v2 shape from
// general protocol knowledge: ECDH shared secret -> HKDF-extract for a
// conversation key -> per-message HKDF-expand (keyed on a fresh nonce)
// into a ChaCha20 key/nonce/HMAC-key triple. It intentionally does not
// replicate NIP-44's exact padding-bucket algorithm (a simple
// length-prefixed pad is used instead) since nothing in this exercise
// talks to a real external wallet implementation that would need
// byte-exact interop.

const nip44Salt = "nip44-v2"

// conversationKey derives the shared symmetric key for messages between
// self and peer.
func conversationKey(self *schnorr.Signer, peerPubkey []byte) ([]byte, error) {
	shared, err := self.ECDH(peerPubkey)
	if err != nil {
		return nil, err
	}
	return hkdf.Extract(sha256.New, shared, []byte(nip44Salt)), nil
}

// messageKeys derives the per-message ChaCha20 key, ChaCha20 nonce, and
// HMAC key from the conversation key and a fresh random nonce.
func messageKeys(convKey, nonce []byte) (encKey, chachaNonce, authKey []byte, err error) {
	r := hkdf.Expand(sha256.New, convKey, nonce)
	okm := make([]byte, 32+12+32)
	if _, err = io.ReadFull(r, okm); err != nil {
		return nil, nil, nil, err
	}
	return okm[0:32], okm[32:44], okm[44:76], nil
}

// pad prepends a 2-byte big-endian length and pads the result up to the
// next multiple of 32 bytes with zeroes, a simplified stand-in for NIP-44's
// bucketed padding scheme.
func pad(plaintext []byte) []byte {
	out := make([]byte, 2+len(plaintext))
	binary.BigEndian.PutUint16(out, uint16(len(plaintext)))
	copy(out[2:], plaintext)
	if rem := len(out) % 32; rem != 0 {
		out = append(out, make([]byte, 32-rem)...)
	}
	return out
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, errors.New("nip44: padded plaintext too short")
	}
	n := int(binary.BigEndian.Uint16(padded))
	if 2+n > len(padded) {
		return nil, errors.New("nip44: invalid plaintext length prefix")
	}
	return padded[2 : 2+n], nil
}

// encryptNip44 encrypts plaintext from self to peerPubkey, returning a
// base64-encoded payload suitable for an event's Content field.
func encryptNip44(self *schnorr.Signer, peerPubkey, plaintext []byte) (string, error) {
	convKey, err := conversationKey(self, peerPubkey)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	encKey, chachaNonce, authKey, err := messageKeys(convKey, nonce)
	if err != nil {
		return "", err
	}
	cipher, err := chacha20.NewUnauthenticatedCipher(encKey, chachaNonce)
	if err != nil {
		return "", err
	}
	cipher.SetCounter(1)
	padded := pad(plaintext)
	ciphertext := make([]byte, len(padded))
	cipher.XORKeyStream(ciphertext, padded)

	mac := hmac.New(sha256.New, authKey)
	mac.Write(nonce)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)

	payload := make([]byte, 0, 1+len(nonce)+len(ciphertext)+len(tag))
	payload = append(payload, 0x02)
	payload = append(payload, nonce...)
	payload = append(payload, ciphertext...)
	payload = append(payload, tag...)
	return base64.StdEncoding.EncodeToString(payload), nil
}

// decryptNip44 reverses encryptNip44, verifying the HMAC before decrypting.
func decryptNip44(self *schnorr.Signer, peerPubkey []byte, b64 string) ([]byte, error) {
	convKey, err := conversationKey(self, peerPubkey)
	if err != nil {
		return nil, err
	}
	payload, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(payload) < 1+32+32 {
		return nil, errors.New("nip44: payload too short")
	}
	if payload[0] != 0x02 {
		return nil, errors.New("nip44: unsupported version byte")
	}
	nonce := payload[1:33]
	tag := payload[len(payload)-32:]
	ciphertext := payload[33 : len(payload)-32]

	_, chachaNonce, authKey, err := messageKeys(convKey, nonce)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, authKey)
	mac.Write(nonce)
	mac.Write(ciphertext)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, errors.New("nip44: mac verification failed")
	}

	encKey, _, _, err := messageKeys(convKey, nonce)
	if err != nil {
		return nil, err
	}
	cipher, err := chacha20.NewUnauthenticatedCipher(encKey, chachaNonce)
	if err != nil {
		return nil, err
	}
	cipher.SetCounter(1)
	padded := make([]byte, len(ciphertext))
	cipher.XORKeyStream(padded, ciphertext)
	return unpad(padded)
}
