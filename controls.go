package vpcm

import (
	"fmt"
	"sync/atomic"
)

// CtlKind identifies one of the engine's controls. The value doubles as the control id.
type CtlKind int

const (
	CtlGain CtlKind = iota
	CtlVolume
	CtlMuteInput
	CtlMuteOutput
	numCtls
)

// CtlType defines the value type of a control.
type CtlType int

const (
	// CTL_TYPE_LEVEL is a volume in half-steps of 2^(1/2), from Min (quietest) to 0.
	CTL_TYPE_LEVEL CtlType = 1
	// CTL_TYPE_TOGGLE is a boolean stored as 0 or 1.
	CTL_TYPE_TOGGLE CtlType = 2
)

// Volume range of the level controls: 16 steps, 6 dB apart.
const (
	levelMin    = -15
	levelMax    = 0
	levelStepDB = 6
)

type ctlDef struct {
	name     string
	typ      CtlType
	min, max int32
	input    bool
}

// ctlDefs is indexed by CtlKind.
var ctlDefs = [numCtls]ctlDef{
	CtlGain:       {name: "Input Volume", typ: CTL_TYPE_LEVEL, min: levelMin, max: levelMax, input: true},
	CtlVolume:     {name: "Output Volume", typ: CTL_TYPE_LEVEL, min: levelMin, max: levelMax},
	CtlMuteInput:  {name: "Input Mute", typ: CTL_TYPE_TOGGLE, min: 0, max: 1, input: true},
	CtlMuteOutput: {name: "Output Mute", typ: CTL_TYPE_TOGGLE, min: 0, max: 1},
}

// controls holds the current control values of an engine. The host callback reads them lock-free.
type controls struct {
	values [numCtls]atomic.Int32
}

func (c *controls) get(kind CtlKind) int32 {
	return c.values[kind].Load()
}

// Control is a handle to one control of an engine.
type Control struct {
	engine *Engine
	kind   CtlKind
}

// NumCtls returns the number of controls of an engine.
func (e *Engine) NumCtls() int {
	if e == nil {
		return 0
	}

	return int(numCtls)
}

// Ctl returns a control by its id.
func (e *Engine) Ctl(id CtlKind) (*Control, error) {
	if e == nil {
		return nil, fmt.Errorf("engine is nil")
	}

	if id < 0 || id >= numCtls {
		return nil, fmt.Errorf("control with id %d not found: %w", id, ErrNotFound)
	}

	return &Control{engine: e, kind: id}, nil
}

// CtlByName returns the control with the given name.
func (e *Engine) CtlByName(name string) (*Control, error) {
	if e == nil {
		return nil, fmt.Errorf("engine is nil")
	}

	for kind := range ctlDefs {
		if ctlDefs[kind].name == name {
			return &Control{engine: e, kind: CtlKind(kind)}, nil
		}
	}

	return nil, fmt.Errorf("control not found: %s: %w", name, ErrNotFound)
}

// ID returns the control id.
func (c *Control) ID() CtlKind {
	if c == nil {
		return -1
	}

	return c.kind
}

// Name returns the name of the control.
func (c *Control) Name() string {
	if c == nil {
		return ""
	}

	return ctlDefs[c.kind].name
}

// Type returns the value type of the control.
func (c *Control) Type() CtlType {
	if c == nil {
		return 0
	}

	return ctlDefs[c.kind].typ
}

// IsInput reports whether the control acts on the record direction.
func (c *Control) IsInput() bool {
	return c != nil && ctlDefs[c.kind].input
}

// Min returns the smallest accepted value.
func (c *Control) Min() int {
	if c == nil {
		return 0
	}

	return int(ctlDefs[c.kind].min)
}

// Max returns the largest accepted value.
func (c *Control) Max() int {
	if c == nil {
		return 0
	}

	return int(ctlDefs[c.kind].max)
}

// Value returns the current value.
func (c *Control) Value() (int, error) {
	if c == nil || c.engine == nil {
		return 0, fmt.Errorf("control is nil")
	}

	return int(c.engine.ctls.get(c.kind)), nil
}

// SetValue stores a new value. Values outside [Min, Max] fail with ErrInvalidArgument.
func (c *Control) SetValue(value int) error {
	if c == nil || c.engine == nil {
		return fmt.Errorf("control is nil")
	}

	def := ctlDefs[c.kind]
	if value < int(def.min) || value > int(def.max) {
		return fmt.Errorf("value %d out of range [%d, %d] for %s: %w", value, def.min, def.max, def.name, ErrInvalidArgument)
	}

	c.engine.ctls.values[c.kind].Store(int32(value))

	return nil
}

// Percent returns the current value as a percentage of the control range.
func (c *Control) Percent() (int, error) {
	value, err := c.Value()
	if err != nil {
		return 0, err
	}

	span := c.Max() - c.Min()
	if span == 0 {
		return 0, nil
	}

	return (value - c.Min()) * 100 / span, nil
}

// SetPercent sets the value to the given percentage of the control range, rounding to the nearest step.
func (c *Control) SetPercent(percent int) error {
	if c == nil {
		return fmt.Errorf("control is nil")
	}

	if percent < 0 || percent > 100 {
		return fmt.Errorf("percent %d out of range: %w", percent, ErrInvalidArgument)
	}

	span := c.Max() - c.Min()

	return c.SetValue(c.Min() + (percent*span+50)/100)
}

// DB returns the attenuation of a level control in decibels (0 to -90).
func (c *Control) DB() (int, error) {
	if c.Type() != CTL_TYPE_LEVEL {
		return 0, fmt.Errorf("control %q is not a level: %w", c.Name(), ErrInvalidArgument)
	}

	value, err := c.Value()
	if err != nil {
		return 0, err
	}

	return value * levelStepDB, nil
}
