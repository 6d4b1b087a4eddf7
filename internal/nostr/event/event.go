// Package event defines the nostr event envelope: the signed, content
// addressed record that every other component (store, policy, dispatcher,
// session) passes around, per spec.md §3.
package event

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/minio/sha256-simd"
	"lukechampine.com/frand"

	"moar.dev/internal/chk"
	"moar.dev/internal/nostr/kind"
	"moar.dev/internal/nostr/schnorr"
	"moar.dev/internal/nostr/tag"
	"moar.dev/internal/nostr/timestamp"
)

// E is a nostr event: the unit of data the relay stores, queries and
// forwards to live subscribers.
type E struct {
	// Id is the sha256 of the canonical array-form encoding below.
	Id []byte
	// Pubkey is the 32-byte x-only public key of the event's author.
	Pubkey []byte
	// CreatedAt is the author-supplied timestamp. Query results are ordered
	// by it (across authors), and replaceable resolution compares it.
	CreatedAt *timestamp.T
	// Kind selects the store-semantics class and application meaning.
	Kind *kind.T
	// Tags is the ordered list of tag rows.
	Tags *tag.S
	// Content is the arbitrary application payload.
	Content []byte
	// Sig is the 64-byte BIP-340 signature over Id by Pubkey.
	Sig []byte
}

// New returns an empty event, ready for field assignment.
func New() *E { return &E{Tags: tag.NewList()} }

// Clone deep-copies an event.
func (e *E) Clone() *E {
	if e == nil {
		return nil
	}
	cp := &E{
		Id:        append([]byte(nil), e.Id...),
		Pubkey:    append([]byte(nil), e.Pubkey...),
		CreatedAt: timestamp.FromUnix(e.CreatedAt.I64()),
		Kind:      kind.New(int(e.Kind.K)),
		Tags:      e.Tags.Clone(),
		Content:   append([]byte(nil), e.Content...),
		Sig:       append([]byte(nil), e.Sig...),
	}
	return cp
}

// canonicalArray builds the NIP-01 id-preimage: the 6-element JSON array
// [0, pubkey, created_at, kind, tags, content], hex pubkey lowercase and
// content/tag strings passed through encoding/json's escaping.
func (e *E) canonicalArray() ([]byte, error) {
	arr := []interface{}{
		0,
		hex.EncodeToString(e.Pubkey),
		e.CreatedAt.I64(),
		int(e.Kind.K),
		e.Tags.ToStringSlices(),
		string(e.Content),
	}
	return json.Marshal(arr)
}

// GetIDBytes recomputes the sha256 of the canonical encoding, the value Id
// must equal for the event to be valid.
func (e *E) GetIDBytes() []byte {
	b, err := e.canonicalArray()
	if chk.E(err) {
		return nil
	}
	h := sha256.Sum256(b)
	return h[:]
}

// Sign populates Pubkey, Id and Sig from signer s. The caller must set
// CreatedAt (and Kind, Tags, Content) first.
func (e *E) Sign(s *schnorr.Signer) (err error) {
	e.Pubkey = s.Pub()
	e.Id = e.GetIDBytes()
	if e.Sig, err = s.Sign(e.Id); chk.E(err) {
		return
	}
	return
}

// Verify checks that Id matches the canonical encoding and Sig validates
// against Pubkey.
func (e *E) Verify() (valid bool, err error) {
	id := e.GetIDBytes()
	if string(id) != string(e.Id) {
		err = fmt.Errorf("event id mismatch: computed %x, got %x", id, e.Id)
		return
	}
	if valid, err = schnorr.Verify(e.Pubkey, e.Id, e.Sig); chk.E(err) {
		return
	}
	return
}

// IdString returns the event id as lowercase hex.
func (e *E) IdString() string { return hex.EncodeToString(e.Id) }

// PubkeyString returns the author pubkey as lowercase hex.
func (e *E) PubkeyString() string { return hex.EncodeToString(e.Pubkey) }

// SigString returns the signature as lowercase hex.
func (e *E) SigString() string { return hex.EncodeToString(e.Sig) }

// J is the wire-JSON shape of an event: the plain string/number types
// clients send and expect, converted to/from E's binary-friendly fields.
type J struct {
	Id        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// ToJ converts E to its wire-JSON shape.
func (e *E) ToJ() *J {
	return &J{
		Id:        e.IdString(),
		Pubkey:    e.PubkeyString(),
		CreatedAt: e.CreatedAt.I64(),
		Kind:      int(e.Kind.K),
		Tags:      e.Tags.ToStringSlices(),
		Content:   string(e.Content),
		Sig:       e.SigString(),
	}
}

// ToEvent converts the wire-JSON shape back to E, decoding hex fields.
func (j *J) ToEvent() (e *E, err error) {
	e = New()
	if e.Id, err = hex.DecodeString(j.Id); chk.E(err) {
		return
	}
	if e.Pubkey, err = hex.DecodeString(j.Pubkey); chk.E(err) {
		return
	}
	if len(e.Pubkey) != schnorr.PubkeyLen {
		err = fmt.Errorf("invalid pubkey length %d, want %d", len(e.Pubkey), schnorr.PubkeyLen)
		return
	}
	e.CreatedAt = timestamp.FromUnix(j.CreatedAt)
	e.Kind = kind.New(j.Kind)
	e.Tags = tag.FromStringSlices(j.Tags)
	e.Content = []byte(j.Content)
	if e.Sig, err = hex.DecodeString(j.Sig); chk.E(err) {
		return
	}
	if len(e.Sig) != schnorr.SigLen {
		err = fmt.Errorf("invalid signature length %d, want %d", len(e.Sig), schnorr.SigLen)
		return
	}
	return
}

// MarshalJSON renders E as minified wire JSON.
func (e *E) MarshalJSON() ([]byte, error) { return json.Marshal(e.ToJ()) }

// UnmarshalJSON parses wire JSON into E.
func (e *E) UnmarshalJSON(b []byte) error {
	var j J
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	parsed, err := j.ToEvent()
	if err != nil {
		return err
	}
	*e = *parsed
	return nil
}

// GenerateRandomTextNoteEvent builds and signs a random kind-1 event, used
// by tests.
func GenerateRandomTextNoteEvent(s *schnorr.Signer, maxContentLen int) (e *E, err error) {
	n := frand.Intn(maxContentLen/2) + 1
	e = New()
	e.Kind = kind.TextNote
	e.CreatedAt = timestamp.Now()
	e.Content = []byte(hex.EncodeToString(frand.Bytes(n)))
	if err = e.Sign(s); chk.E(err) {
		return
	}
	return
}
