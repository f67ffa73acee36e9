package neuron

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/planetary-neuron/core/internal/config"
	"github.com/planetary-neuron/core/internal/flashstore"
)

// fakeHardware is a single in-memory stand-in for every board role the
// core drives: PWM, flash, mesh radio and a temperature sensor.
type fakeHardware struct {
	*flashstore.MemFlash
	now      uint32
	next     uint32
	tempC    uint8
	sent     [][]byte
	dutyLog  []dutyCall
}

type dutyCall struct {
	channel uint8
	duty    uint16
}

func newFakeHardware() *fakeHardware {
	return &fakeHardware{
		MemFlash: flashstore.NewMemFlash(2 * 1024 * 1024),
		next:     1_000_000,
		tempC:    25,
	}
}

func (h *fakeHardware) SetDuty(channel uint8, duty uint16) {
	h.dutyLog = append(h.dutyLog, dutyCall{channel, duty})
}

func (h *fakeHardware) Send(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	h.sent = append(h.sent, cp)
}

func (h *fakeHardware) NowTick() uint32       { return h.now }
func (h *fakeHardware) NextEventTick() uint32 { return h.next }
func (h *fakeHardware) SampleTempC() uint8    { return h.tempC }

func TestNewWiresAllCollaborators(t *testing.T) {
	hw := newFakeHardware()
	n, err := New(hw, 0x1234, config.Default())
	require.NoError(t, err)
	require.NotNil(t, n.Light)
	require.NotNil(t, n.Scheduler)
	require.NotNil(t, n.Mesh)
	require.NotNil(t, n.Store)
	require.NotNil(t, n.Engine)
}

func TestNewRejectsNilHardware(t *testing.T) {
	_, err := New(nil, 0x1234, config.Default())
	require.Error(t, err)
}

func TestOnIdleDrivesSchedulerWithoutPanicking(t *testing.T) {
	hw := newFakeHardware()
	n, err := New(hw, 0x1234, config.Default())
	require.NoError(t, err)

	require.NotPanics(t, func() {
		for i := 0; i < 5; i++ {
			n.OnIdle()
		}
	})
}

func TestOnLightCommandAppliesInstantTransition(t *testing.T) {
	hw := newFakeHardware()
	n, err := New(hw, 0x1234, config.Default())
	require.NoError(t, err)

	n.OnLightCommand(80, 30, 0)
	require.EqualValues(t, 80, n.Light.Brightness())
	require.EqualValues(t, 30, n.Light.ColorTemp())
}

func TestOnMeshReceiveForwardsToGossip(t *testing.T) {
	hw := newFakeHardware()
	n, err := New(hw, 0x1234, config.Default())
	require.NoError(t, err)

	require.NotPanics(t, func() {
		n.OnMeshReceive([]byte{0x01, 0x02}, 0x5000, -40)
	})
}

func TestTick50HzAdvancesTransition(t *testing.T) {
	hw := newFakeHardware()
	n, err := New(hw, 0x1234, config.Default())
	require.NoError(t, err)

	n.OnLightCommand(200, 80, 100)
	before := n.Light.Brightness()
	n.Tick50Hz()
	require.NotEqual(t, before, n.Light.Brightness())
}
