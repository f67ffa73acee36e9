package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/planetary-neuron/core/internal/flashstore"
	"github.com/planetary-neuron/core/internal/shard"
)

func TestInspectShardReportsValidityFromFlashImage(t *testing.T) {
	mem := flashstore.NewMemFlash(2 * 1024 * 1024)
	store := flashstore.New(mem, 0x40000)

	var sh shard.Shard
	sh.Init(3)
	require.NoError(t, store.Write(&sh))

	flash := &fileFlash{mem: exportMem(t, mem)}
	reloaded := flashstore.New(flash, 0x40000)

	out, ok := reloaded.Read(3)
	require.True(t, ok)
	require.True(t, out.Verify())
}

// exportMem reads the full backing buffer out of a MemFlash via its
// public Flash interface so the test doesn't need a package-internal
// accessor.
func exportMem(t *testing.T, mem *flashstore.MemFlash) []byte {
	t.Helper()
	raw, err := mem.ReadPage(0, 2*1024*1024)
	require.NoError(t, err)
	return raw
}

func TestFileFlashRejectsWrites(t *testing.T) {
	flash := &fileFlash{mem: make([]byte, 4096)}
	require.Error(t, flash.EraseSector(0))
	require.Error(t, flash.WritePage(0, []byte{1}))
}
