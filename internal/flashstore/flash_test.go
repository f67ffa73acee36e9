package flashstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/planetary-neuron/core/internal/shard"
)

const testBase = 0

func newTestStore() *Store {
	flash := NewMemFlash(int(shard.TotalShards) * SectorsPerShard * SectorSize)
	return New(flash, testBase)
}

func TestFindActiveOnBlankFlash(t *testing.T) {
	s := newTestStore()
	_, ok := s.FindActive(9)
	require.False(t, ok)
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	s := newTestStore()
	var sh shard.Shard
	sh.Init(9)

	require.NoError(t, s.Write(&sh))
	got, ok := s.Read(9)
	require.True(t, ok)
	require.Equal(t, sh, got)
}

func TestSecondWriteLandsInOtherSectorPingPong(t *testing.T) {
	s := newTestStore()
	var sh shard.Shard
	sh.Init(9)

	require.NoError(t, s.Write(&sh))
	firstActive, ok := s.FindActive(9)
	require.True(t, ok)

	sh.ApplyGradient(make([]int8, shard.PayloadSize), 0.001)
	require.NoError(t, s.Write(&sh))
	secondActive, ok := s.FindActive(9)
	require.True(t, ok)

	require.NotEqual(t, firstActive, secondActive, "second write must land on the other sector")

	got, ok := s.Read(9)
	require.True(t, ok)
	require.Equal(t, sh, got)

	// First sector still has a valid header with active cleared.
	otherSector := firstActive
	raw, err := s.flash.ReadPage(otherSector, HeaderSize)
	require.NoError(t, err)
	hdr := decodeHeader(raw)
	require.True(t, hdr.valid())
	require.False(t, hdr.active())
}

func TestReadFailsOnCorruptedChecksum(t *testing.T) {
	s := newTestStore()
	var sh shard.Shard
	sh.Init(3)
	require.NoError(t, s.Write(&sh))

	addr, ok := s.FindActive(3)
	require.True(t, ok)

	// Corrupt a weight byte directly in "flash" without updating CRC.
	mf := s.flash.(*MemFlash)
	mf.mem[addr+HeaderSize+shard.HeaderSize] ^= 0xFF

	_, ok = s.Read(3)
	require.False(t, ok)
}

func TestWearCountIncreasesAcrossWrites(t *testing.T) {
	s := newTestStore()
	var sh shard.Shard
	sh.Init(1)

	require.NoError(t, s.Write(&sh))
	w1 := s.WearCount(1)

	require.NoError(t, s.Write(&sh))
	w2 := s.WearCount(1)

	require.Greater(t, w2, w1)
}
