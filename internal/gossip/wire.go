// Package gossip implements the mesh vendor-model protocol: frame
// encoding, neighbor tracking, fragment reassembly, deduplication, and
// backpressure signaling for weight-shard exchange over the underlying
// low-power mesh radio.
package gossip

import "encoding/binary"

// Opcode identifies a vendor-model message type.
type Opcode uint8

const (
	OpWeightUpdate  Opcode = 0xC0
	OpWeightRequest Opcode = 0xC1
	OpHeartbeat     Opcode = 0xC2
	OpBackpressure  Opcode = 0xC3
	OpShardFragment Opcode = 0xC4
	OpAck           Opcode = 0xC5
)

const (
	// HeaderSize is the packed wire size of Header.
	HeaderSize = 6
	// FragmentInfoSize is the packed wire size of FragmentInfo.
	FragmentInfoSize = 4
	// FragmentSize is the payload size of one shard fragment.
	FragmentSize = 256
	// FragmentCount is the number of fragments a full shard splits into.
	FragmentCount = (4096 + FragmentSize - 1) / FragmentSize // 16
	// HeartbeatPayloadSize is the packed size of HeartbeatPayload.
	HeartbeatPayloadSize = 8
)

// Header is the 6-byte little-endian frame header prefixing every
// message on the wire.
type Header struct {
	Opcode Opcode
	TTL    uint8
	Src    uint16
	Seq    uint8
	Flags  uint8
}

func (h Header) marshal() []byte {
	b := make([]byte, HeaderSize)
	b[0] = byte(h.Opcode)
	b[1] = h.TTL
	binary.LittleEndian.PutUint16(b[2:4], h.Src)
	b[4] = h.Seq
	b[5] = h.Flags
	return b
}

func unmarshalHeader(b []byte) Header {
	return Header{
		Opcode: Opcode(b[0]),
		TTL:    b[1],
		Src:    binary.LittleEndian.Uint16(b[2:4]),
		Seq:    b[4],
		Flags:  b[5],
	}
}

// FragmentInfo precedes a ShardFragment message's payload bytes.
type FragmentInfo struct {
	ShardID        uint8
	FragmentIdx    uint8
	TotalFragments uint8
}

func (f FragmentInfo) marshal() []byte {
	return []byte{f.ShardID, f.FragmentIdx, f.TotalFragments, 0}
}

func unmarshalFragmentInfo(b []byte) FragmentInfo {
	return FragmentInfo{ShardID: b[0], FragmentIdx: b[1], TotalFragments: b[2]}
}

// HeartbeatPayload announces presence and capacity to neighbors.
type HeartbeatPayload struct {
	LoadPercent uint8
	ShardsHeld  uint8
	Epoch       uint16
	Neighbors   uint8
}

func (p HeartbeatPayload) marshal() []byte {
	b := make([]byte, HeartbeatPayloadSize)
	b[0] = p.LoadPercent
	b[1] = p.ShardsHeld
	binary.LittleEndian.PutUint16(b[2:4], p.Epoch)
	b[4] = p.Neighbors
	return b
}

func unmarshalHeartbeatPayload(b []byte) HeartbeatPayload {
	return HeartbeatPayload{
		LoadPercent: b[0],
		ShardsHeld:  b[1],
		Epoch:       binary.LittleEndian.Uint16(b[2:4]),
		Neighbors:   b[4],
	}
}
