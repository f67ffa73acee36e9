// Package lightctl implements the bulb's primary function: a PWM state
// machine with smooth transitions, scene detection, and the feature
// accessors consumed by the learning engine. It must never block, and
// set_target must complete in bounded constant time.
package lightctl

// PWM channel identifiers.
const (
	ChannelWarm uint8 = 0
	ChannelCool uint8 = 1
)

// PWM is the opaque duty-cycle primitive this layer writes through.
type PWM interface {
	SetDuty(channel uint8, duty uint16)
}

// Scene is a coarse classification of the current light state, used as a
// training feature and for heuristic scene prediction.
type Scene uint8

const (
	SceneOff Scene = iota
	SceneDimWarm
	SceneCozy
	SceneBrightWarm
	SceneDaylight
	SceneReading
	SceneUnknown
)

type state struct {
	brightness       uint8
	colorTemp        uint8
	targetBrightness uint8
	targetTemp       uint8
	transitionSteps  uint16
	on               bool
}

// Controller owns the light state and the PWM channels.
type Controller struct {
	pwm PWM
	st  state
}

// New returns a Controller at a neutral default state (on, 100/255
// brightness, color temp 50), matching the firmware's boot default.
func New(pwm PWM) *Controller {
	return &Controller{
		pwm: pwm,
		st: state{
			brightness:       100,
			colorTemp:        50,
			targetBrightness: 100,
			targetTemp:       50,
			on:               true,
		},
	}
}

// SetTarget latches a new target. If transitionMs is 0 the change is
// instant and exactly one PWM write per channel is issued immediately;
// otherwise the target is latched and Tick interpolates toward it over
// max(1, transitionMs/20) steps at 50Hz, with no PWM write in this call.
func (c *Controller) SetTarget(brightness, temp uint8, transitionMs uint16) {
	c.st.targetBrightness = brightness
	c.st.targetTemp = temp
	c.st.on = brightness > 0

	if transitionMs == 0 {
		c.st.brightness = brightness
		c.st.colorTemp = temp
		c.st.transitionSteps = 0
		c.applyPWM()
		return
	}

	steps := transitionMs / 20
	if steps == 0 {
		steps = 1
	}
	c.st.transitionSteps = steps
}

// Tick advances an in-progress transition by one 50Hz step. It is a no-op
// if no transition is pending.
func (c *Controller) Tick() {
	if c.st.transitionSteps == 0 {
		return
	}

	brightDelta := int16(c.st.targetBrightness) - int16(c.st.brightness)
	tempDelta := int16(c.st.targetTemp) - int16(c.st.colorTemp)

	c.st.brightness = uint8(int16(c.st.brightness) + brightDelta/int16(c.st.transitionSteps))
	c.st.colorTemp = uint8(int16(c.st.colorTemp) + tempDelta/int16(c.st.transitionSteps))
	c.st.transitionSteps--

	if c.st.transitionSteps == 0 {
		c.st.brightness = c.st.targetBrightness
		c.st.colorTemp = c.st.targetTemp
	}

	c.applyPWM()
}

// applyPWM issues at most one write per channel (warm, cool).
func (c *Controller) applyPWM() {
	if !c.st.on {
		c.pwm.SetDuty(ChannelWarm, 0)
		c.pwm.SetDuty(ChannelCool, 0)
		return
	}

	warm := uint16(uint32(c.st.brightness) * uint32(c.st.colorTemp) * 257 / 100)
	cool := uint16(uint32(c.st.brightness) * uint32(100-c.st.colorTemp) * 257 / 100)

	c.pwm.SetDuty(ChannelWarm, warm)
	c.pwm.SetDuty(ChannelCool, cool)
}

// PowerEstimate returns a 0-100 power estimate, weighting warm duty at
// ~90% efficiency relative to cool duty.
func (c *Controller) PowerEstimate() uint8 {
	if !c.st.on {
		return 0
	}
	warmPower := uint32(c.st.brightness) * uint32(c.st.colorTemp)
	coolPower := uint32(c.st.brightness) * uint32(100-c.st.colorTemp)
	return uint8((warmPower*90 + coolPower*100) / 25500)
}

// BrightnessVelocity is target-current while transitioning, else 0.
func (c *Controller) BrightnessVelocity() int8 {
	if c.st.transitionSteps == 0 {
		return 0
	}
	return int8(int16(c.st.targetBrightness) - int16(c.st.brightness))
}

func (c *Controller) IsOn() bool             { return c.st.on }
func (c *Controller) IsTransitioning() bool  { return c.st.transitionSteps > 0 }
func (c *Controller) Brightness() uint8      { return c.st.brightness }
func (c *Controller) ColorTemp() uint8       { return c.st.colorTemp }
func (c *Controller) TransitionSteps() uint16 { return c.st.transitionSteps }

// DetectScene classifies the current (brightness, temp, on) state.
func (c *Controller) DetectScene() Scene {
	if !c.st.on || c.st.brightness < 5 {
		return SceneOff
	}

	isWarm := c.st.colorTemp < 40
	isCool := c.st.colorTemp > 60
	isDim := c.st.brightness < 75
	isBright := c.st.brightness > 150

	switch {
	case isDim && isWarm:
		return SceneDimWarm
	case !isBright && isWarm:
		return SceneCozy
	case isBright && isWarm:
		return SceneBrightWarm
	case isBright && isCool:
		return SceneDaylight
	case isBright && !isWarm && !isCool:
		return SceneReading
	default:
		return SceneUnknown
	}
}
