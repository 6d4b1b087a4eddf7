package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowConsumesAndExhausts(t *testing.T) {
	l := New(Config{WriteBurst: 2, WritePerSecond: 0, MaxConns: 1, IdleTTL: time.Minute})
	require.True(t, l.Allow("1.2.3.4"))
	require.True(t, l.Allow("1.2.3.4"))
	require.False(t, l.Allow("1.2.3.4"))
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := New(Config{WriteBurst: 1, WritePerSecond: 1000, MaxConns: 0, IdleTTL: time.Minute})
	require.True(t, l.Allow("addr"))
	require.False(t, l.Allow("addr"))
	time.Sleep(5 * time.Millisecond)
	require.True(t, l.Allow("addr"))
}

func TestReadAndWriteBucketsAreIndependent(t *testing.T) {
	l := New(Config{WriteBurst: 1, WritePerSecond: 0, ReadBurst: 1, ReadPerSecond: 0, IdleTTL: time.Minute})
	require.True(t, l.AllowWrite("addr"))
	require.False(t, l.AllowWrite("addr"))
	require.True(t, l.AllowRead("addr"))
	require.False(t, l.AllowRead("addr"))
}

func TestConnBeginEndCaps(t *testing.T) {
	l := New(Config{WriteBurst: 100, WritePerSecond: 1, MaxConns: 1, IdleTTL: time.Minute})
	require.True(t, l.ConnBegin("addr"))
	require.False(t, l.ConnBegin("addr"))
	l.ConnEnd("addr")
	require.True(t, l.ConnBegin("addr"))
}

func TestSweepEvictsIdleBuckets(t *testing.T) {
	l := New(Config{WriteBurst: 1, WritePerSecond: 1, ReadBurst: 1, ReadPerSecond: 1, MaxConns: 0, IdleTTL: time.Millisecond})
	l.Allow("addr")
	require.Equal(t, 1, l.Len())
	time.Sleep(5 * time.Millisecond)
	l.Sweep()
	require.Equal(t, 0, l.Len())
}

func TestReadLimiterAdapter(t *testing.T) {
	l := New(Config{ReadBurst: 1, ReadPerSecond: 0, WriteBurst: 100, WritePerSecond: 100})
	rl := ReadLimiter{L: l}
	require.True(t, rl.Allow("addr"))
	require.False(t, rl.Allow("addr"))
}
