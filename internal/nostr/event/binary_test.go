package event

import (
	"testing"

	"github.com/stretchr/testify/require"

	"moar.dev/internal/nostr/kind"
	"moar.dev/internal/nostr/schnorr"
	"moar.dev/internal/nostr/tag"
	"moar.dev/internal/nostr/timestamp"
)

func TestBinaryRoundTrip(t *testing.T) {
	s, err := schnorr.New()
	require.NoError(t, err)

	e := New()
	e.Kind = kind.TextNote
	e.CreatedAt = timestamp.Now()
	e.Tags = tag.NewList(tag.New("e", "deadbeef"), tag.New("p", "cafef00d", "wss://relay"))
	e.Content = []byte("hello binary")
	require.NoError(t, e.Sign(s))

	b := e.Bytes()
	out, err := FromBytes(b)
	require.NoError(t, err)

	require.Equal(t, e.IdString(), out.IdString())
	require.Equal(t, e.PubkeyString(), out.PubkeyString())
	require.Equal(t, e.Content, out.Content)
	require.Equal(t, e.Tags.Len(), out.Tags.Len())
	require.Equal(t, e.Tags.Get(1).S(2), out.Tags.Get(1).S(2))
	require.Equal(t, e.SigString(), out.SigString())
}
