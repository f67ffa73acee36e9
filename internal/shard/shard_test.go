package shard

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitVerifies(t *testing.T) {
	var s Shard
	s.Init(7)
	require.True(t, s.Verify())
	require.EqualValues(t, 1, s.Header.Version)
	require.EqualValues(t, 1, s.Header.Contributors)
	require.EqualValues(t, 7, s.Header.ShardID)
}

func TestApplyGradientClampsAndVerifies(t *testing.T) {
	var s Shard
	s.Init(3)
	grad := make([]int8, PayloadSize)
	for i := range grad {
		grad[i] = 127
	}
	s.ApplyGradient(grad, 10.0) // absurdly large lr to force clamping
	require.True(t, s.Verify())
	for _, w := range s.Weights {
		require.GreaterOrEqual(t, w, int8(-128))
		require.LessOrEqual(t, w, int8(127))
	}
}

func TestFedAvgRequiresMatchingIDAndValidCRC(t *testing.T) {
	var a, b Shard
	a.Init(1)
	b.Init(2) // different shard id
	before := a
	a.FedAvg(&b)
	require.Equal(t, before, a, "mismatched shard id must be a no-op")

	b.Init(1)
	b.Header.Checksum ^= 0xFF // corrupt
	a.FedAvg(&b)
	require.Equal(t, before, a, "invalid incoming CRC must be a no-op")
}

func TestFedAvgWeightedMeanAndSaturatingContributors(t *testing.T) {
	var a, b Shard
	a.Init(5)
	b.Init(5)
	a.Header.Contributors = 250
	b.Header.Contributors = 20
	b.refreshChecksum()
	a.FedAvg(&b)
	require.True(t, a.Verify())
	require.EqualValues(t, 255, a.Header.Contributors, "must saturate at 255")
}

func TestFedAvgWithSelfDoublesContributorsAndKeepsWeights(t *testing.T) {
	var a, self Shard
	a.Init(9)
	self = a
	a.FedAvg(&self)
	require.True(t, a.Verify())
	require.EqualValues(t, 2, a.Header.Contributors)
	require.Equal(t, self.Weights, a.Weights, "averaging identical weights must leave them unchanged")
}

func TestFedAvgEpochTakesMax(t *testing.T) {
	var a, b Shard
	a.Init(4)
	b.Init(4)
	a.Header.GlobalEpoch = 10
	a.refreshChecksum()
	b.Header.GlobalEpoch = 25
	b.refreshChecksum()
	a.FedAvg(&b)
	require.EqualValues(t, 25, a.Header.GlobalEpoch)
}

func TestCRCIsOverPayloadOnly(t *testing.T) {
	var s Shard
	s.Init(0)
	crcBefore := s.CRC()
	s.Header.GlobalEpoch = 12345 // mutate header only
	require.Equal(t, crcBefore, s.CRC(), "CRC must not depend on header fields")
}
