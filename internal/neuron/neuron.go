// Package neuron wires the node's collaborators together in the order
// the firmware constructs them: lighting, scheduler, mesh gossip, then
// the learning engine on top of all three. It is the Go analogue of the
// firmware's static globals and planetary_init.
package neuron

import (
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/planetary-neuron/core/internal/config"
	"github.com/planetary-neuron/core/internal/flashstore"
	"github.com/planetary-neuron/core/internal/gossip"
	"github.com/planetary-neuron/core/internal/learning"
	"github.com/planetary-neuron/core/internal/lightctl"
	"github.com/planetary-neuron/core/internal/sched"
)

var log = logging.Logger("neuron")

// Node is one constructed instance of the full planetary neuron core:
// lights, scheduler, mesh, persistence and the learning engine bound
// together and running its two cooperative tasks.
type Node struct {
	Light     *lightctl.Controller
	Scheduler *sched.Scheduler
	Mesh      *gossip.Gossip
	Store     *flashstore.Store
	Engine    *learning.Engine
}

// Hardware is the set of vendor primitives a concrete board supplies.
// A single implementation (real or simulated) satisfies all four roles,
// matching the firmware's single MCU owning PWM, flash, radio and a
// temperature sensor.
type Hardware interface {
	lightctl.PWM
	flashstore.Flash
	gossip.MeshSend
	sched.Radio
	sched.Temp
	gossip.Clock
}

// New constructs a Node over hw at mesh address myAddr, registers the
// learning engine's training and sync tasks with the scheduler, and
// wires the mesh's incoming-shard callback to the engine. Construction
// order mirrors the firmware: lights, scheduler, mesh, then the engine
// on top of all three.
func New(hw Hardware, myAddr uint16, cfg config.Config) (*Node, error) {
	if hw == nil {
		return nil, xerrors.New("neuron: hardware must not be nil")
	}

	light := lightctl.New(hw)
	scheduler := sched.NewWithConfig(hw, hw, sched.Config{
		GuardUS:          cfg.Scheduler.GuardUS,
		MaxBurstUS:       cfg.Scheduler.MaxBurstUS,
		MinBudgetUS:      cfg.Scheduler.MinBudgetUS,
		ThermalLowC:      cfg.Scheduler.ThermalLowC,
		ThermalShutdownC: cfg.Scheduler.ThermalShutdownC,
	})
	mesh := gossip.New(myAddr, hw, hw)
	store := flashstore.New(hw, cfg.Flash.BaseAddr)

	engine := learning.New(mesh, light, store, hw, scheduler, learning.Config{
		LearningRate:     cfg.Learning.LearningRate,
		GossipIntervalMS: cfg.Learning.GossipIntervalMS,
		SamplesPerApply:  cfg.Learning.SamplesPerApply,
	})

	if _, ok := scheduler.Register(engine.TrainingStep, sched.PriorityLow); !ok {
		return nil, xerrors.New("neuron: failed to register training task")
	}
	if _, ok := scheduler.Register(engine.SyncStep, sched.PriorityNormal); !ok {
		return nil, xerrors.New("neuron: failed to register sync task")
	}

	log.Infow("planetary neuron constructed", "mesh_addr", myAddr)

	return &Node{
		Light:     light,
		Scheduler: scheduler,
		Mesh:      mesh,
		Store:     store,
		Engine:    engine,
	}, nil
}

// OnMeshReceive forwards a raw mesh vendor-model frame to the gossip
// layer, matching mesh_vendor_model_data_cb's role in the firmware.
func (n *Node) OnMeshReceive(data []byte, src uint16, rssi int8) {
	n.Mesh.OnReceive(data, src, rssi)
}

// OnLightCommand forwards a standard light-control command to the
// controller, matching mesh_light_ctl_cb. Light commands always take
// priority over AI scheduling and are applied directly, never queued.
func (n *Node) OnLightCommand(brightness, temp uint8, transitionMs uint16) {
	n.Light.SetTarget(brightness, temp, transitionMs)
}

// OnIdle runs one scheduler slice, matching blt_idle_loop_cb: the radio
// stack's idle window is this core's only opportunity to perform work.
func (n *Node) OnIdle() {
	n.Scheduler.RunSlice()
}

// Tick50Hz advances any in-progress light transition by one step,
// matching main_loop's 20ms light update cadence.
func (n *Node) Tick50Hz() {
	n.Light.Tick()
}
