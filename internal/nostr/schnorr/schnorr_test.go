package schnorr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	require.Len(t, s.Pub(), PubkeyLen)

	digest, err := RandomBytes(32)
	require.NoError(t, err)

	sig, err := s.Sign(digest)
	require.NoError(t, err)
	require.Len(t, sig, SigLen)

	valid, err := Verify(s.Pub(), digest, sig)
	require.NoError(t, err)
	require.True(t, valid)
}

func TestVerifyFailsOnWrongKey(t *testing.T) {
	s1, err := New()
	require.NoError(t, err)
	s2, err := New()
	require.NoError(t, err)

	digest, err := RandomBytes(32)
	require.NoError(t, err)
	sig, err := s1.Sign(digest)
	require.NoError(t, err)

	valid, _ := Verify(s2.Pub(), digest, sig)
	require.False(t, valid)
}

func TestInitSecDeterministic(t *testing.T) {
	s1, err := New()
	require.NoError(t, err)
	s2, err := InitSec(s1.Sec())
	require.NoError(t, err)
	require.Equal(t, s1.Pub(), s2.Pub())
}
