// Package shard implements the weight shard: a fixed 4KiB slice of the
// federated model, the unit of replication, persistence and averaging.
package shard

import logging "github.com/ipfs/go-log/v2"

var log = logging.Logger("shard")

const (
	// Size is the fixed on-wire and on-flash size of a shard, in bytes.
	Size = 4096
	// HeaderSize is the size of Header when packed.
	HeaderSize = 12
	// PayloadSize is the number of quantized weight bytes per shard.
	PayloadSize = Size - HeaderSize
	// MaxShardID is the highest valid shard identifier.
	MaxShardID = 63
	// TotalShards is the number of shards that make up the full model.
	TotalShards = MaxShardID + 1

	crcPoly = 0x1021
	crcInit = 0xFFFF
)

// Header precedes the weight payload of every Shard. Its packed size must
// stay at HeaderSize bytes; field order matches the wire/flash layout.
type Header struct {
	ShardID      uint8
	Version      uint8
	Checksum     uint16
	GlobalEpoch  uint32
	Contributors uint8
	_            [3]byte // reserved, always zero
}

// Shard is a 4KiB record: a Header plus PayloadSize quantized int8 weights.
type Shard struct {
	Header  Header
	Weights [PayloadSize]int8
}

// Init seeds deterministic small-magnitude weights as a function of index
// and shard id, and sets version=1, contributors=1, with a fresh checksum.
func (s *Shard) Init(id uint8) {
	*s = Shard{}
	s.Header.ShardID = id
	s.Header.Version = 1
	s.Header.Contributors = 1
	for i := range s.Weights {
		s.Weights[i] = int8((i*7+int(id))%17 - 8)
	}
	s.refreshChecksum()
}

// crc16CCITT computes CRC-16/CCITT (poly 0x1021, init 0xFFFF, no reflection,
// no final xor) over data.
func crc16CCITT(data []byte) uint16 {
	crc := uint16(crcInit)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ crcPoly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func (s *Shard) weightBytes() []byte {
	b := make([]byte, PayloadSize)
	for i, w := range s.Weights {
		b[i] = byte(w)
	}
	return b
}

func (s *Shard) refreshChecksum() {
	s.Header.Checksum = crc16CCITT(s.weightBytes())
}

// CRC returns the checksum that would currently verify this shard's
// payload, without mutating the stored header checksum.
func (s *Shard) CRC() uint16 {
	return crc16CCITT(s.weightBytes())
}

// Verify recomputes the CRC over the payload and reports whether it
// matches the stored header checksum.
func (s *Shard) Verify() bool {
	return s.CRC() == s.Header.Checksum
}

func clampInt8(v int32) int8 {
	if v > 127 {
		return 127
	}
	if v < -128 {
		return -128
	}
	return int8(v)
}

// ApplyGradient performs a fixed-point SGD step: w <- clamp(w - (g*lr)>>8).
// lr is converted to Q8.8 fixed point (round(lr*256)) before the update,
// matching the original firmware's integer-only path.
func (s *Shard) ApplyGradient(grad []int8, lr float64) {
	lrFixed := int32(lr*256 + sign(lr)*0.5)
	n := len(grad)
	if n > PayloadSize {
		n = PayloadSize
	}
	for i := 0; i < n; i++ {
		update := (int32(grad[i]) * lrFixed) >> 8
		s.Weights[i] = clampInt8(int32(s.Weights[i]) - update)
	}
	s.Header.Version++
	s.refreshChecksum()
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// FedAvg merges incoming into s in place, weighted by each side's
// contributor count. It is a no-op unless incoming carries the same
// shard id and a valid checksum.
func (s *Shard) FedAvg(incoming *Shard) {
	if incoming.Header.ShardID != s.Header.ShardID {
		return
	}
	if !incoming.Verify() {
		log.Debugw("fed_avg dropped: bad checksum", "shard_id", incoming.Header.ShardID)
		return
	}

	total := int32(s.Header.Contributors) + int32(incoming.Header.Contributors)
	if total == 0 {
		return
	}

	for i := range s.Weights {
		localContrib := int64(s.Weights[i]) * int64(s.Header.Contributors)
		remoteContrib := int64(incoming.Weights[i]) * int64(incoming.Header.Contributors)
		s.Weights[i] = clampInt8(int32((localContrib + remoteContrib) / int64(total)))
	}

	s.Header.Contributors = saturatingAddU8(s.Header.Contributors, incoming.Header.Contributors)
	s.Header.Version++
	if incoming.Header.GlobalEpoch > s.Header.GlobalEpoch {
		s.Header.GlobalEpoch = incoming.Header.GlobalEpoch
	}
	s.refreshChecksum()
}

func saturatingAddU8(a, b uint8) uint8 {
	sum := int(a) + int(b)
	if sum > 255 {
		return 255
	}
	return uint8(sum)
}
