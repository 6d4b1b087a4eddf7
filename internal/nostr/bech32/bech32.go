// Package bech32 decodes the npub1.../nsec1... pubkey and secret key
// encodings (BIP-173 bech32, no bech32m support needed since nostr key
// encodings predate the segwit v1 checksum variant). The teacher references
// its own pkg/crypto/ec/bech32 and pkg/encoders/bech32encoding packages from
// pkg/utils/keys/keys.go, but neither is present in the retrieved snapshot
// to adapt, and no third-party bech32 library appears in any example repo's
// go.mod; this is a from-scratch implementation of the public BIP-173
// algorithm, used only to satisfy the config service's "hex or bech32
// pubkey" validation spec.md §4.I requires.
package bech32

import (
	"errors"
	"strings"
)

const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var charsetIndex = func() map[byte]int {
	m := make(map[byte]int, len(charset))
	for i := 0; i < len(charset); i++ {
		m[charset[i]] = i
	}
	return m
}()

func polymod(values []int) int {
	gen := []int{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := 1
	for _, v := range values {
		b := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ v
		for i := 0; i < 5; i++ {
			if (b>>i)&1 == 1 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func hrpExpand(hrp string) []int {
	out := make([]int, 0, len(hrp)*2+1)
	for i := 0; i < len(hrp); i++ {
		out = append(out, int(hrp[i])>>5)
	}
	out = append(out, 0)
	for i := 0; i < len(hrp); i++ {
		out = append(out, int(hrp[i])&31)
	}
	return out
}

func verifyChecksum(hrp string, data []int) bool {
	values := append(hrpExpand(hrp), data...)
	return polymod(values) == 1
}

// Decode splits a bech32 string into its human-readable part and 8-bit
// payload, verifying the checksum.
func Decode(s string) (hrp string, data []byte, err error) {
	s = strings.ToLower(s)
	pos := strings.LastIndexByte(s, '1')
	if pos < 1 || pos+7 > len(s) {
		return "", nil, errors.New("bech32: invalid separator position")
	}
	hrp = s[:pos]
	rest := s[pos+1:]

	values := make([]int, len(rest))
	for i := 0; i < len(rest); i++ {
		idx, ok := charsetIndex[rest[i]]
		if !ok {
			return "", nil, errors.New("bech32: invalid character")
		}
		values[i] = idx
	}
	if !verifyChecksum(hrp, values) {
		return "", nil, errors.New("bech32: checksum mismatch")
	}
	values = values[:len(values)-6]

	data, err = convertBits(values, 5, 8, false)
	if err != nil {
		return "", nil, err
	}
	return hrp, data, nil
}

// convertBits regroups a slice of fromBits-wide integers into a byte slice
// of toBits-wide groups, the standard bech32 bit-regrouping step.
func convertBits(data []int, fromBits, toBits uint, pad bool) ([]byte, error) {
	acc, bits := 0, uint(0)
	maxv := (1 << toBits) - 1
	var out []byte
	for _, v := range data {
		if v < 0 || v>>fromBits != 0 {
			return nil, errors.New("bech32: invalid data value")
		}
		acc = (acc << fromBits) | v
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, byte((acc>>bits)&maxv))
		}
	}
	if pad {
		if bits > 0 {
			out = append(out, byte((acc<<(toBits-bits))&maxv))
		}
	} else if bits >= fromBits || (acc<<(toBits-bits))&maxv != 0 {
		return nil, errors.New("bech32: invalid padding")
	}
	return out, nil
}

// DecodePubkey decodes an npub1... string into its 32-byte x-only pubkey.
func DecodePubkey(npub string) ([]byte, error) {
	hrp, data, err := Decode(npub)
	if err != nil {
		return nil, err
	}
	if hrp != "npub" {
		return nil, errors.New("bech32: not an npub")
	}
	if len(data) != 32 {
		return nil, errors.New("bech32: npub payload is not 32 bytes")
	}
	return data, nil
}

func createChecksum(hrp string, data []int) []int {
	values := append(hrpExpand(hrp), data...)
	values = append(values, 0, 0, 0, 0, 0, 0)
	mod := polymod(values) ^ 1
	out := make([]int, 6)
	for i := 0; i < 6; i++ {
		out[i] = (mod >> uint(5*(5-i))) & 31
	}
	return out
}

// Encode assembles an hrp and an 8-bit payload into a bech32 string.
func Encode(hrp string, payload []byte) (string, error) {
	values := make([]int, len(payload))
	for i, b := range payload {
		values[i] = int(b)
	}
	data, err := convertBits(values, 8, 5, true)
	if err != nil {
		return "", err
	}
	dataInts := make([]int, len(data))
	for i, b := range data {
		dataInts[i] = int(b)
	}
	checksum := createChecksum(hrp, dataInts)
	dataInts = append(dataInts, checksum...)

	var sb strings.Builder
	sb.WriteString(hrp)
	sb.WriteByte('1')
	for _, v := range dataInts {
		sb.WriteByte(charset[v])
	}
	return sb.String(), nil
}

// EncodePubkey encodes a 32-byte x-only pubkey as an npub1... string.
func EncodePubkey(pubkey []byte) (string, error) {
	return Encode("npub", pubkey)
}
