// Package indexes builds the fixed-width binary keys the event store uses
// to index events inside badger, grounded on the teacher's prefix-plus-
// fixed-field index scheme (database/indexes/keys.go): every key starts
// with a 3-byte human-readable ASCII prefix, followed by big-endian
// fixed-width fields, so that lexicographic badger iteration order is also
// the intended sort order (chronological, or grouped-then-chronological).
package indexes

import (
	"encoding/binary"

	"github.com/minio/sha256-simd"
)

// Prefixes, one per index, matching the teacher's 3-letter convention.
const (
	PEvent               = "evt" // [ prefix ][ serial 5 ] -> binary event
	PId                  = "eid" // [ prefix ][ idhash 8 ][ serial 5 ]
	PCreatedAt           = "ica" // [ prefix ][ createdAt 8 ][ serial 5 ]
	PPubkeyCreatedAt     = "pca" // [ prefix ][ pubhash 8 ][ createdAt 8 ][ serial 5 ]
	PKindCreatedAt       = "kca" // [ prefix ][ kind 2 ][ createdAt 8 ][ serial 5 ]
	PKindPubkeyCreatedAt = "kpc" // [ prefix ][ kind 2 ][ pubhash 8 ][ createdAt 8 ][ serial 5 ]
	PTagCreatedAt        = "itc" // [ prefix ][ letter 1 ][ valhash 8 ][ createdAt 8 ][ serial 5 ]
	PKindTagCreatedAt    = "ktc" // [ prefix ][ kind 2 ][ letter 1 ][ valhash 8 ][ createdAt 8 ][ serial 5 ]
	PReplaceable         = "rpl" // [ prefix ][ kind 2 ][ pubhash 8 ][ dtaghash 8 ] -> serial 5
)

// SerialLen is the width of a badger sequence-assigned event serial.
// 5 bytes (40 bits) comfortably covers any single instance's event count.
const SerialLen = 5

// HashLen is the width of a truncated sha256 used to keep secondary-index
// keys fixed-width without storing full 32-byte ids/pubkeys/tag values in
// every index entry.
const HashLen = 8

// PutUint40 writes the low 40 bits of v big-endian into b (len(b) == 5).
func PutUint40(b []byte, v uint64) {
	b[0] = byte(v >> 32)
	b[1] = byte(v >> 24)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 8)
	b[4] = byte(v)
}

// Uint40 reads a 5-byte big-endian serial.
func Uint40(b []byte) uint64 {
	return uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 | uint64(b[3])<<8 | uint64(b[4])
}

// TruncHash returns the first n bytes of sha256(b), used to compress
// variable-length ids/pubkeys/tag-values into fixed-width index fields.
func TruncHash(b []byte, n int) []byte {
	h := sha256.Sum256(b)
	return h[:n]
}

func putUint64(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }

// EventKey builds the primary-record key: prefix + serial.
func EventKey(serial uint64) []byte {
	k := make([]byte, 3+SerialLen)
	copy(k, PEvent)
	PutUint40(k[3:], serial)
	return k
}

// IdKey builds the id->serial secondary key: prefix + idhash + serial.
func IdKey(id []byte, serial uint64) []byte {
	k := make([]byte, 3+HashLen+SerialLen)
	copy(k, PId)
	copy(k[3:], TruncHash(id, HashLen))
	PutUint40(k[3+HashLen:], serial)
	return k
}

// IdPrefix builds the id-search prefix: prefix + idhash, for range scans
// over all serials sharing a truncated id hash (collisions resolved by the
// caller comparing full ids after lookup).
func IdPrefix(id []byte) []byte {
	k := make([]byte, 3+HashLen)
	copy(k, PId)
	copy(k[3:], TruncHash(id, HashLen))
	return k
}

// CreatedAtKey builds the global chronological key: prefix + createdAt + serial.
func CreatedAtKey(createdAt int64, serial uint64) []byte {
	k := make([]byte, 3+8+SerialLen)
	copy(k, PCreatedAt)
	putUint64(k[3:], uint64(createdAt))
	PutUint40(k[11:], serial)
	return k
}

// PubkeyCreatedAtKey builds the per-author chronological key.
func PubkeyCreatedAtKey(pubkey []byte, createdAt int64, serial uint64) []byte {
	k := make([]byte, 3+HashLen+8+SerialLen)
	copy(k, PPubkeyCreatedAt)
	copy(k[3:], TruncHash(pubkey, HashLen))
	putUint64(k[3+HashLen:], uint64(createdAt))
	PutUint40(k[3+HashLen+8:], serial)
	return k
}

// PubkeyPrefix builds the author-only prefix for range scans.
func PubkeyPrefix(pubkey []byte) []byte {
	k := make([]byte, 3+HashLen)
	copy(k, PPubkeyCreatedAt)
	copy(k[3:], TruncHash(pubkey, HashLen))
	return k
}

// KindCreatedAtKey builds the per-kind chronological key.
func KindCreatedAtKey(kind uint16, createdAt int64, serial uint64) []byte {
	k := make([]byte, 3+2+8+SerialLen)
	copy(k, PKindCreatedAt)
	binary.BigEndian.PutUint16(k[3:], kind)
	putUint64(k[5:], uint64(createdAt))
	PutUint40(k[13:], serial)
	return k
}

// KindPrefix builds the kind-only prefix for range scans.
func KindPrefix(kind uint16) []byte {
	k := make([]byte, 3+2)
	copy(k, PKindCreatedAt)
	binary.BigEndian.PutUint16(k[3:], kind)
	return k
}

// KindPubkeyCreatedAtKey builds the per-(kind,author) chronological key.
func KindPubkeyCreatedAtKey(kind uint16, pubkey []byte, createdAt int64, serial uint64) []byte {
	k := make([]byte, 3+2+HashLen+8+SerialLen)
	copy(k, PKindPubkeyCreatedAt)
	binary.BigEndian.PutUint16(k[3:], kind)
	copy(k[5:], TruncHash(pubkey, HashLen))
	putUint64(k[5+HashLen:], uint64(createdAt))
	PutUint40(k[5+HashLen+8:], serial)
	return k
}

// KindPubkeyPrefix builds the (kind,author) prefix for range scans.
func KindPubkeyPrefix(kind uint16, pubkey []byte) []byte {
	k := make([]byte, 3+2+HashLen)
	copy(k, PKindPubkeyCreatedAt)
	binary.BigEndian.PutUint16(k[3:], kind)
	copy(k[5:], TruncHash(pubkey, HashLen))
	return k
}

// TagCreatedAtKey builds the per-(single-letter-tag,value) chronological
// key. Only tag rows with a single-byte key are indexed this way, matching
// the teacher's rule restricting tag indexing to single-letter tags.
func TagCreatedAtKey(letter byte, value []byte, createdAt int64, serial uint64) []byte {
	k := make([]byte, 3+1+HashLen+8+SerialLen)
	copy(k, PTagCreatedAt)
	k[3] = letter
	copy(k[4:], TruncHash(value, HashLen))
	putUint64(k[4+HashLen:], uint64(createdAt))
	PutUint40(k[4+HashLen+8:], serial)
	return k
}

// TagPrefix builds the (letter,value) prefix for range scans.
func TagPrefix(letter byte, value []byte) []byte {
	k := make([]byte, 3+1+HashLen)
	copy(k, PTagCreatedAt)
	k[3] = letter
	copy(k[4:], TruncHash(value, HashLen))
	return k
}

// KindTagCreatedAtKey builds the per-(kind,letter,value) chronological key.
func KindTagCreatedAtKey(kind uint16, letter byte, value []byte, createdAt int64, serial uint64) []byte {
	k := make([]byte, 3+2+1+HashLen+8+SerialLen)
	copy(k, PKindTagCreatedAt)
	binary.BigEndian.PutUint16(k[3:], kind)
	k[5] = letter
	copy(k[6:], TruncHash(value, HashLen))
	putUint64(k[6+HashLen:], uint64(createdAt))
	PutUint40(k[6+HashLen+8:], serial)
	return k
}

// KindTagPrefix builds the (kind,letter,value) prefix for range scans.
func KindTagPrefix(kind uint16, letter byte, value []byte) []byte {
	k := make([]byte, 3+2+1+HashLen)
	copy(k, PKindTagCreatedAt)
	binary.BigEndian.PutUint16(k[3:], kind)
	k[5] = letter
	copy(k[6:], TruncHash(value, HashLen))
	return k
}

// ReplaceableKey builds the replaceable/parametrised-replaceable latest-
// pointer key: prefix + kind + pubhash + d-tag-hash (d is empty for
// ordinary replaceable kinds). Its value is the serial of the current
// latest event for that (kind, pubkey[, d]) tuple.
func ReplaceableKey(kind uint16, pubkey []byte, d []byte) []byte {
	k := make([]byte, 3+2+HashLen+HashLen)
	copy(k, PReplaceable)
	binary.BigEndian.PutUint16(k[3:], kind)
	copy(k[5:], TruncHash(pubkey, HashLen))
	copy(k[5+HashLen:], TruncHash(d, HashLen))
	return k
}
