// Package flashstore implements the ping-pong wear-leveled persistence
// layer that maps each weight shard onto two alternating flash sectors.
package flashstore

import (
	"encoding/binary"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/planetary-neuron/core/internal/shard"
)

var log = logging.Logger("flashstore")

const (
	// SectorSize is the size, in bytes, of one flash sector.
	SectorSize = 4096
	// SectorsPerShard is the number of sectors reserved per shard id
	// (ping-pong double buffering for wear leveling).
	SectorsPerShard = 2
	// HeaderSize is the packed size of SectorHeader.
	HeaderSize = 12
	// Magic identifies a formatted sector ("PLN\x01").
	Magic uint32 = 0x504C4E01

	flagValid  = 0x01
	flagActive = 0x02
)

// Flash is the set of opaque vendor flash primitives this layer consumes.
// Implementations are expected to be synchronous and only ever called
// from within a single learning task (per the concurrency model).
type Flash interface {
	EraseSector(addr uint32) error
	WritePage(addr uint32, data []byte) error
	ReadPage(addr uint32, n int) ([]byte, error)
}

// SectorHeader precedes every shard's bytes within its sector.
type SectorHeader struct {
	Magic      uint32
	WriteCount uint32
	ShardID    uint16
	Flags      uint16
}

func decodeHeader(b []byte) SectorHeader {
	if len(b) < HeaderSize {
		return SectorHeader{}
	}
	return SectorHeader{
		Magic:      binary.LittleEndian.Uint32(b[0:4]),
		WriteCount: binary.LittleEndian.Uint32(b[4:8]),
		ShardID:    binary.LittleEndian.Uint16(b[8:10]),
		Flags:      binary.LittleEndian.Uint16(b[10:12]),
	}
}

func encodeHeader(h SectorHeader) []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.WriteCount)
	binary.LittleEndian.PutUint16(b[8:10], h.ShardID)
	binary.LittleEndian.PutUint16(b[10:12], h.Flags)
	return b
}

func (h SectorHeader) valid() bool {
	return h.Magic == Magic && h.Flags&flagValid != 0
}

func (h SectorHeader) active() bool {
	return h.Flags&flagActive != 0
}

// Store is the persistence layer over a contiguous flash region of
// shard.TotalShards * SectorsPerShard sectors, starting at base.
type Store struct {
	flash Flash
	base  uint32
}

// New returns a Store over flash, with the shard region starting at base.
func New(flash Flash, base uint32) *Store {
	return &Store{flash: flash, base: base}
}

func (s *Store) sectorBase(shardID uint8) uint32 {
	return s.base + uint32(shardID)*SectorsPerShard*SectorSize
}

// FindActive returns the byte address of the currently active sector for
// shardID, and ok=false if neither sector is valid.
func (s *Store) FindActive(shardID uint8) (addr uint32, ok bool) {
	base := s.sectorBase(shardID)
	sector0 := base
	sector1 := base + SectorSize

	raw0, err0 := s.flash.ReadPage(sector0, HeaderSize)
	raw1, err1 := s.flash.ReadPage(sector1, HeaderSize)
	if err0 != nil || err1 != nil {
		log.Debugw("find_active read failure", "shard_id", shardID, "err0", err0, "err1", err1)
		return 0, false
	}

	hdr0 := decodeHeader(raw0)
	hdr1 := decodeHeader(raw1)
	valid0 := hdr0.valid()
	valid1 := hdr1.valid()

	switch {
	case !valid0 && !valid1:
		return 0, false
	case valid0 && !valid1:
		return sector0, true
	case !valid0 && valid1:
		return sector1, true
	}

	// Both valid: prefer the one carrying the active bit.
	if hdr0.active() && !hdr1.active() {
		return sector0, true
	}
	if hdr1.active() && !hdr0.active() {
		return sector1, true
	}

	// Neither or both carry the active bit: fall back to write count.
	if hdr0.WriteCount >= hdr1.WriteCount {
		return sector0, true
	}
	return sector1, true
}

// Write persists shard to the sector opposite the currently active one,
// then clears only the active bit on the previously active sector.
func (s *Store) Write(sh *shard.Shard) error {
	shardID := sh.Header.ShardID
	base := s.sectorBase(shardID)
	sector0 := base
	sector1 := base + SectorSize

	active, hasActive := s.FindActive(shardID)
	target := sector0
	if hasActive && active == sector0 {
		target = sector1
	}

	// The new write count continues from the active sector's, so the
	// count strictly increases across the pair.
	countFrom := target
	if hasActive {
		countFrom = active
	}
	oldRaw, err := s.flash.ReadPage(countFrom, HeaderSize)
	prevCount := uint32(0)
	if err == nil {
		oldHdr := decodeHeader(oldRaw)
		if oldHdr.Magic == Magic {
			prevCount = oldHdr.WriteCount
		}
	}
	writeCount := prevCount + 1

	if err := s.flash.EraseSector(target); err != nil {
		return xerrors.Errorf("erase sector for shard %d: %w", shardID, err)
	}

	newHdr := encodeHeader(SectorHeader{
		Magic:      Magic,
		WriteCount: writeCount,
		ShardID:    uint16(shardID),
		Flags:      flagValid | flagActive,
	})
	if err := s.flash.WritePage(target, newHdr); err != nil {
		return xerrors.Errorf("write header for shard %d: %w", shardID, err)
	}

	payload := marshalShard(sh)
	if err := s.flash.WritePage(target+HeaderSize, payload); err != nil {
		return xerrors.Errorf("write payload for shard %d: %w", shardID, err)
	}

	if hasActive && active != target {
		inactiveHdr := encodeHeader(SectorHeader{
			Magic:      Magic,
			WriteCount: prevCount, // keeps its lower count
			ShardID:    uint16(shardID),
			Flags:      flagValid, // valid, not active; no erase needed
		})
		if err := s.flash.WritePage(active, inactiveHdr); err != nil {
			return xerrors.Errorf("demote previous sector for shard %d: %w", shardID, err)
		}
	}

	return nil
}

// Read loads shardID from its active sector, verifying the checksum. It
// returns ok=false on any integrity or addressing failure, never an error
// — per the no-error-surfaced-from-flash contract.
func (s *Store) Read(shardID uint8) (sh shard.Shard, ok bool) {
	addr, hasActive := s.FindActive(shardID)
	if !hasActive {
		return shard.Shard{}, false
	}

	raw, err := s.flash.ReadPage(addr+HeaderSize, shard.Size)
	if err != nil {
		log.Debugw("read failure", "shard_id", shardID, "err", err)
		return shard.Shard{}, false
	}

	out := unmarshalShard(raw)
	if !out.Verify() {
		log.Debugw("read CRC mismatch", "shard_id", shardID)
		return shard.Shard{}, false
	}
	return out, true
}

// WearCount returns the write-count recorded in the currently active
// sector's header, or 0 if no active sector exists.
func (s *Store) WearCount(shardID uint8) uint32 {
	addr, ok := s.FindActive(shardID)
	if !ok {
		return 0
	}
	raw, err := s.flash.ReadPage(addr, HeaderSize)
	if err != nil {
		return 0
	}
	return decodeHeader(raw).WriteCount
}

func marshalShard(sh *shard.Shard) []byte {
	b := make([]byte, shard.Size)
	// Layout mirrors shard.Header field order explicitly rather than via
	// unsafe casts, since this core never assumes host/target struct
	// layout compatibility across the wire or flash boundary.
	b[0] = sh.Header.ShardID
	b[1] = sh.Header.Version
	binary.LittleEndian.PutUint16(b[2:4], sh.Header.Checksum)
	binary.LittleEndian.PutUint32(b[4:8], sh.Header.GlobalEpoch)
	b[8] = sh.Header.Contributors
	// b[9:12] reserved, left zero
	for i, w := range sh.Weights {
		b[shard.HeaderSize+i] = byte(w)
	}
	return b
}

func unmarshalShard(b []byte) shard.Shard {
	var sh shard.Shard
	if len(b) < shard.Size {
		return sh
	}
	sh.Header.ShardID = b[0]
	sh.Header.Version = b[1]
	sh.Header.Checksum = binary.LittleEndian.Uint16(b[2:4])
	sh.Header.GlobalEpoch = binary.LittleEndian.Uint32(b[4:8])
	sh.Header.Contributors = b[8]
	for i := 0; i < shard.PayloadSize; i++ {
		sh.Weights[i] = int8(b[shard.HeaderSize+i])
	}
	return sh
}
