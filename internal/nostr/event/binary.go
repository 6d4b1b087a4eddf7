package event

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"moar.dev/internal/chk"
	"moar.dev/internal/nostr/kind"
	"moar.dev/internal/nostr/tag"
	"moar.dev/internal/nostr/timestamp"
)

// MarshalBinary writes the store's on-disk encoding of an event:
//
//	[ 32 bytes Id ][ 32 bytes Pubkey ][ uvarint CreatedAt ][ uvarint Kind ]
//	[ uvarint tag count ]
//	  [ uvarint field count ] { [ uvarint field length ][ field bytes ] }...
//	...
//	[ uvarint content length ][ content bytes ][ 64 bytes Sig ]
//
// grounded on the teacher's event/binary.go varint-framed layout, using
// encoding/binary's standard-library Uvarint codec in place of the
// teacher's bespoke varint package (not retrieved with an implementation
// in the example pack, only a test file).
func (e *E) MarshalBinary(w io.Writer) {
	_, _ = w.Write(e.Id)
	_, _ = w.Write(e.Pubkey)
	writeUvarint(w, uint64(e.CreatedAt.I64()))
	writeUvarint(w, uint64(e.Kind.K))
	writeUvarint(w, uint64(e.Tags.Len()))
	for i := 0; i < e.Tags.Len(); i++ {
		t := e.Tags.Get(i)
		writeUvarint(w, uint64(t.Len()))
		for j := 0; j < t.Len(); j++ {
			f := t.B(j)
			writeUvarint(w, uint64(len(f)))
			_, _ = w.Write(f)
		}
	}
	writeUvarint(w, uint64(len(e.Content)))
	_, _ = w.Write(e.Content)
	_, _ = w.Write(e.Sig)
}

// Bytes renders MarshalBinary's output as a standalone byte slice.
func (e *E) Bytes() []byte {
	var buf bytes.Buffer
	e.MarshalBinary(&buf)
	return buf.Bytes()
}

// UnmarshalBinary parses the on-disk encoding written by MarshalBinary.
func (e *E) UnmarshalBinary(r io.Reader) (err error) {
	e.Id = make([]byte, 32)
	if _, err = io.ReadFull(r, e.Id); chk.E(err) {
		return
	}
	e.Pubkey = make([]byte, 32)
	if _, err = io.ReadFull(r, e.Pubkey); chk.E(err) {
		return
	}
	var ca uint64
	if ca, err = readUvarint(r); chk.E(err) {
		return
	}
	e.CreatedAt = timestamp.FromUnix(int64(ca))
	var k uint64
	if k, err = readUvarint(r); chk.E(err) {
		return
	}
	e.Kind = kind.New(int(k))
	var nTags uint64
	if nTags, err = readUvarint(r); chk.E(err) {
		return
	}
	e.Tags = tag.NewListWithCap(int(nTags))
	for i := uint64(0); i < nTags; i++ {
		var nFields uint64
		if nFields, err = readUvarint(r); chk.E(err) {
			return
		}
		fields := make([][]byte, nFields)
		for j := uint64(0); j < nFields; j++ {
			var flen uint64
			if flen, err = readUvarint(r); chk.E(err) {
				return
			}
			field := make([]byte, flen)
			if _, err = io.ReadFull(r, field); chk.E(err) {
				return
			}
			fields[j] = field
		}
		e.Tags.AppendTags(tag.FromBytes(fields...))
	}
	var clen uint64
	if clen, err = readUvarint(r); chk.E(err) {
		return
	}
	e.Content = make([]byte, clen)
	if _, err = io.ReadFull(r, e.Content); chk.E(err) {
		return
	}
	e.Sig = make([]byte, 64)
	if _, err = io.ReadFull(r, e.Sig); chk.E(err) {
		return
	}
	return
}

// FromBytes parses an event out of MarshalBinary's byte encoding.
func FromBytes(b []byte) (e *E, err error) {
	e = New()
	if err = e.UnmarshalBinary(bytes.NewReader(b)); chk.E(err) {
		return
	}
	return
}

func writeUvarint(w io.Writer, v uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, _ = w.Write(buf[:n])
}

func readUvarint(r io.Reader) (uint64, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = &byteReader{r}
	}
	v, err := binary.ReadUvarint(br)
	if err != nil {
		return 0, fmt.Errorf("reading uvarint: %w", err)
	}
	return v, nil
}

// byteReader adapts an io.Reader without ReadByte to io.ByteReader, for
// binary.ReadUvarint.
type byteReader struct{ io.Reader }

func (b *byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.Reader, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
