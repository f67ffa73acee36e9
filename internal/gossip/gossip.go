package gossip

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"

	"github.com/planetary-neuron/core/internal/metrics"
	"github.com/planetary-neuron/core/internal/shard"
)

var log = logging.Logger("gossip")

const (
	// MaxNeighbors is the neighbor table capacity.
	MaxNeighbors = 16
	// MaxPendingFragments is the number of concurrent shard reassemblies.
	MaxPendingFragments = 4
	// DedupRingSize is the number of recent (src, seq) pairs remembered.
	DedupRingSize = 16
	// NeighborTimeoutTicks is how long a neighbor may go unheard before GC.
	NeighborTimeoutTicks = 30_000_000 // ~1.9 s at 16 ticks per microsecond
)

// MeshSend is the opaque mesh vendor-model transmit primitive.
type MeshSend interface {
	Send(data []byte)
}

// Clock supplies a monotonic tick source for neighbor last-seen tracking.
type Clock interface {
	NowTick() uint32
}

// NeighborInfo tracks one mesh peer observed via any reception.
type NeighborInfo struct {
	Addr        uint16
	RSSI        uint8 // stored unsigned: raw signed RSSI + 128
	Load        uint8
	LastSeen    uint32
	HeldShards  [8]byte // bitmap of shard ids the neighbor is known to hold
}

// ShardCallback delivers a fully reassembled and CRC-verified shard.
type ShardCallback func(incoming *shard.Shard)

type reassemblySlot struct {
	mask  uint32
	total uint8
	buf   [shard.Size]byte
}

// Gossip is the mesh gossip layer: wire framing, neighbor table, fragment
// reassembly, deduplication and backpressure tracking.
type Gossip struct {
	send  MeshSend
	clock Clock

	myAddr uint16
	seqNum uint8

	neighbors []NeighborInfo

	dedupSrc [DedupRingSize]uint16
	dedupSeq [DedupRingSize]uint8
	dedupIdx int

	reassembly *lru.Cache[uint8, *reassemblySlot]

	onShard ShardCallback

	recvCount uint8
}

// GossipStats exposes mesh-derived signal summaries for consumption as
// training features. HopCountAvg is always 0: vendor-model frames carry
// no hop metadata on the wire to average.
type GossipStats struct {
	MeshActivity uint8
	RSSIAvg      int8
	HopCountAvg  uint8
}

// Stats returns a snapshot of recent mesh activity and resets the
// activity counter, acting as a coarse windowed rate meter.
func (g *Gossip) Stats() GossipStats {
	var sumRSSI int32
	for _, n := range g.neighbors {
		sumRSSI += int32(n.RSSI) - 128
	}
	var avgRSSI int8
	if len(g.neighbors) > 0 {
		avgRSSI = int8(sumRSSI / int32(len(g.neighbors)))
	}
	snapshot := GossipStats{MeshActivity: g.recvCount, RSSIAvg: avgRSSI}
	g.recvCount = 0
	return snapshot
}

// New returns a Gossip bound to myAddr, sending frames via send and
// reading the tick source from clock.
func New(myAddr uint16, send MeshSend, clock Clock) *Gossip {
	cache, _ := lru.New[uint8, *reassemblySlot](MaxPendingFragments)
	return &Gossip{
		send:       send,
		clock:      clock,
		myAddr:     myAddr,
		reassembly: cache,
	}
}

// SetOnShardReceived registers the upstream delivery callback.
func (g *Gossip) SetOnShardReceived(cb ShardCallback) {
	g.onShard = cb
}

// NeighborCount returns the number of tracked neighbors.
func (g *Gossip) NeighborCount() int { return len(g.neighbors) }

// Neighbors returns a read-only snapshot of the neighbor table.
func (g *Gossip) Neighbors() []NeighborInfo {
	out := make([]NeighborInfo, len(g.neighbors))
	copy(out, g.neighbors)
	return out
}

func (g *Gossip) nextSeq() uint8 {
	s := g.seqNum
	g.seqNum++
	return s
}

// isDuplicate checks and records (src, seq) against the dedup ring.
func (g *Gossip) isDuplicate(src uint16, seq uint8) bool {
	for i := 0; i < DedupRingSize; i++ {
		if g.dedupSrc[i] == src && g.dedupSeq[i] == seq {
			return true
		}
	}
	g.dedupSrc[g.dedupIdx] = src
	g.dedupSeq[g.dedupIdx] = seq
	g.dedupIdx = (g.dedupIdx + 1) % DedupRingSize
	return false
}

func (g *Gossip) updateNeighbor(addr uint16, rssi int8) {
	for i := range g.neighbors {
		if g.neighbors[i].Addr == addr {
			g.neighbors[i].RSSI = uint8(int16(rssi) + 128)
			g.neighbors[i].LastSeen = g.clock.NowTick()
			return
		}
	}
	if len(g.neighbors) >= MaxNeighbors {
		log.Debugw("neighbor table full; dropping new entry", "addr", addr)
		return
	}
	g.neighbors = append(g.neighbors, NeighborInfo{
		Addr:     addr,
		RSSI:     uint8(int16(rssi) + 128),
		LastSeen: g.clock.NowTick(),
	})
}

// GCNeighbors removes any neighbor not heard from within the timeout.
func (g *Gossip) GCNeighbors() {
	now := g.clock.NowTick()
	kept := g.neighbors[:0]
	for _, n := range g.neighbors {
		if now-n.LastSeen <= NeighborTimeoutTicks {
			kept = append(kept, n)
		}
	}
	g.neighbors = kept
}

// minPayloadSize returns the smallest payload length opcode can carry.
// A frame shorter than this is malformed and must be dropped before any
// dedup or neighbor-table state is touched.
func minPayloadSize(opcode Opcode) int {
	switch opcode {
	case OpWeightUpdate:
		return shard.Size
	case OpHeartbeat:
		return HeartbeatPayloadSize
	case OpShardFragment:
		return FragmentInfoSize
	default:
		return 0
	}
}

// OnReceive handles a raw mesh vendor-model frame from src at the given
// RSSI. Malformed or duplicate frames are dropped without state change,
// per the core's silent-drop error contract: the dedup ring and neighbor
// table are only updated once a frame is known to carry a well-formed
// payload for its opcode.
func (g *Gossip) OnReceive(data []byte, src uint16, rssi int8) {
	if len(data) < HeaderSize {
		return // malformed: too short even for a header; not deduped
	}

	hdr := unmarshalHeader(data)
	payload := data[HeaderSize:]

	if len(payload) < minPayloadSize(hdr.Opcode) {
		stats.Record(context.Background(), metrics.GossipDropped.M(1))
		return // malformed: short opcode payload; not deduped, no state change
	}

	if g.isDuplicate(hdr.Src, hdr.Seq) {
		stats.Record(context.Background(), metrics.GossipDuplicate.M(1))
		return
	}

	g.updateNeighbor(src, rssi)
	if g.recvCount < 255 {
		g.recvCount++
	}

	switch hdr.Opcode {
	case OpWeightUpdate:
		g.handleWeightUpdate(payload)
	case OpWeightRequest:
		// Shard-request fulfillment is a hub-side policy decision; this
		// core only originates requests, it never answers them.
	case OpHeartbeat:
		g.handleHeartbeat(payload, src)
	case OpShardFragment:
		g.handleFragment(payload)
	case OpBackpressure:
		g.handleBackpressure(src)
	case OpAck:
		// Reserved; no handling defined.
	}
}

// handleWeightUpdate assumes payload has already been validated against
// minPayloadSize by OnReceive.
func (g *Gossip) handleWeightUpdate(payload []byte) {
	sh := unmarshalShardPayload(payload)
	if g.onShard != nil {
		g.onShard(&sh)
	}
}

// handleHeartbeat assumes payload has already been validated against
// minPayloadSize by OnReceive.
func (g *Gossip) handleHeartbeat(payload []byte, src uint16) {
	hb := unmarshalHeartbeatPayload(payload)
	for i := range g.neighbors {
		if g.neighbors[i].Addr == src {
			g.neighbors[i].Load = hb.LoadPercent
			return
		}
	}
}

// handleFragment assumes payload has already been validated against
// minPayloadSize by OnReceive; the fragment's carried data length is
// still bounds-checked below since FragmentIdx/TotalFragments are
// attacker-controlled.
func (g *Gossip) handleFragment(payload []byte) {
	frag := unmarshalFragmentInfo(payload)
	data := payload[FragmentInfoSize:]

	slot, ok := g.reassembly.Get(frag.ShardID)
	if !ok {
		slot = &reassemblySlot{}
		g.reassembly.Add(frag.ShardID, slot)
	}
	slot.total = frag.TotalFragments

	offset := int(frag.FragmentIdx) * FragmentSize
	if offset+len(data) > shard.Size {
		return
	}
	copy(slot.buf[offset:], data)
	slot.mask |= 1 << frag.FragmentIdx

	completeMask := uint32(1)<<frag.TotalFragments - 1
	if slot.mask != completeMask {
		return
	}

	sh := unmarshalShardPayload(slot.buf[:])
	g.reassembly.Remove(frag.ShardID)
	if sh.Verify() && g.onShard != nil {
		g.onShard(&sh)
	}
}

func (g *Gossip) handleBackpressure(src uint16) {
	for i := range g.neighbors {
		if g.neighbors[i].Addr == src {
			g.neighbors[i].Load = 100
			return
		}
	}
}

// ShouldThrottle reports true iff strictly more than half of tracked
// neighbors report load > 80.
func (g *Gossip) ShouldThrottle() bool {
	overloaded := 0
	for _, n := range g.neighbors {
		if n.Load > 80 {
			overloaded++
		}
	}
	return overloaded > len(g.neighbors)/2
}

// BroadcastShard fragments sh into FragmentCount 256-byte pieces and
// sends each as a ShardFragment frame, sharing one sequence number per
// fragment and a shared shard id.
func (g *Gossip) BroadcastShard(sh *shard.Shard) {
	raw := marshalShardPayload(sh)
	for i := uint8(0); i < FragmentCount; i++ {
		hdr := Header{Opcode: OpShardFragment, TTL: 3, Src: g.myAddr, Seq: g.nextSeq()}
		frag := FragmentInfo{ShardID: sh.Header.ShardID, FragmentIdx: i, TotalFragments: FragmentCount}

		start := int(i) * FragmentSize
		end := start + FragmentSize
		if end > len(raw) {
			end = len(raw)
		}

		msg := append(hdr.marshal(), frag.marshal()...)
		msg = append(msg, raw[start:end]...)
		g.send.Send(msg)
	}
}

// SendHeartbeat announces load, shard count and epoch to single-hop
// neighbors.
func (g *Gossip) SendHeartbeat(load, shardsHeld uint8, epoch uint16) {
	hdr := Header{Opcode: OpHeartbeat, TTL: 1, Src: g.myAddr, Seq: g.nextSeq()}
	payload := HeartbeatPayload{
		LoadPercent: load,
		ShardsHeld:  shardsHeld,
		Epoch:       epoch,
		Neighbors:   uint8(len(g.neighbors)),
	}
	msg := append(hdr.marshal(), payload.marshal()...)
	g.send.Send(msg)
}

// RequestShard asks neighbors for shardID.
func (g *Gossip) RequestShard(shardID uint8) {
	hdr := Header{Opcode: OpWeightRequest, TTL: 2, Src: g.myAddr, Seq: g.nextSeq()}
	msg := append(hdr.marshal(), shardID)
	g.send.Send(msg)
}

func marshalShardPayload(sh *shard.Shard) []byte {
	b := make([]byte, shard.Size)
	b[0] = sh.Header.ShardID
	b[1] = sh.Header.Version
	b[2] = byte(sh.Header.Checksum)
	b[3] = byte(sh.Header.Checksum >> 8)
	b[4] = byte(sh.Header.GlobalEpoch)
	b[5] = byte(sh.Header.GlobalEpoch >> 8)
	b[6] = byte(sh.Header.GlobalEpoch >> 16)
	b[7] = byte(sh.Header.GlobalEpoch >> 24)
	b[8] = sh.Header.Contributors
	for i, w := range sh.Weights {
		b[shard.HeaderSize+i] = byte(w)
	}
	return b
}

func unmarshalShardPayload(b []byte) shard.Shard {
	var sh shard.Shard
	if len(b) < shard.Size {
		return sh
	}
	sh.Header.ShardID = b[0]
	sh.Header.Version = b[1]
	sh.Header.Checksum = uint16(b[2]) | uint16(b[3])<<8
	sh.Header.GlobalEpoch = uint32(b[4]) | uint32(b[5])<<8 | uint32(b[6])<<16 | uint32(b[7])<<24
	sh.Header.Contributors = b[8]
	for i := 0; i < shard.PayloadSize; i++ {
		sh.Weights[i] = int8(b[shard.HeaderSize+i])
	}
	return sh
}
