package executor

import (
	"fmt"
	"strconv"
	"strings"

	"gcodeflow/gcode"
)

// Position is a logical tool position in millimetres
type Position struct {
	X float64
	Y float64
	Z float64
	E float64
}

// Machine tracks the modal state a host expects to observe: positioning modes,
// the logical position and homing. It plans no motion.
type Machine struct {
	Position     Position
	Homed        [3]bool // X, Y, Z
	AbsoluteMode bool    // G90 vs G91
	RelativeE    bool    // M83 vs M82
	FeedRate     float64 // mm/s
	Tool         uint8
}

// NewMachine returns the power-on state
func NewMachine() *Machine {
	return &Machine{AbsoluteMode: true, FeedRate: 25}
}

// Install registers the built-in handlers on e
func (m *Machine) Install(e *Executor) {
	e.Register("G0", m.move)
	e.Register("G1", m.move)
	e.Register("G4", noop) // dwell is timing only
	e.Register("G28", m.home)
	e.Register("G90", func(*Executor, *gcode.Command) error { m.AbsoluteMode = true; return nil })
	e.Register("G91", func(*Executor, *gcode.Command) error { m.AbsoluteMode = false; return nil })
	e.Register("G92", m.setPosition)
	e.Register("M82", func(*Executor, *gcode.Command) error { m.RelativeE = false; return nil })
	e.Register("M83", func(*Executor, *gcode.Command) error { m.RelativeE = true; return nil })
	e.Register("M112", emergencyStop)
	e.Register("M114", m.report)
	e.Register("M117", displayMessage)
	e.Register("M118", hostMessage)
	e.Register("M400", noop)
	e.Register("T", m.selectTool)
}

func noop(*Executor, *gcode.Command) error {
	return nil
}

// move updates the logical position (G0/G1)
func (m *Machine) move(_ *Executor, cmd *gcode.Command) error {
	if f, ok := cmd.Float(gcode.FieldF); ok {
		if f <= 0 {
			return fmt.Errorf("invalid feedrate %g", f)
		}
		m.FeedRate = float64(f) / 60.0 // mm/min to mm/s
	}

	axes := [...]struct {
		field gcode.Field
		pos   *float64
	}{
		{gcode.FieldX, &m.Position.X},
		{gcode.FieldY, &m.Position.Y},
		{gcode.FieldZ, &m.Position.Z},
	}
	for _, a := range axes {
		v, ok := cmd.Float(a.field)
		if !ok {
			continue
		}
		if m.AbsoluteMode {
			*a.pos = float64(v)
		} else {
			*a.pos += float64(v)
		}
	}

	if v, ok := cmd.Float(gcode.FieldE); ok {
		if m.RelativeE {
			m.Position.E += float64(v)
		} else {
			m.Position.E = float64(v)
		}
	}
	return nil
}

// home zeroes the named axes, or all of them when none is named (G28)
func (m *Machine) home(_ *Executor, cmd *gcode.Command) error {
	all := !cmd.Has(gcode.FieldX) && !cmd.Has(gcode.FieldY) && !cmd.Has(gcode.FieldZ)
	if all || cmd.Has(gcode.FieldX) {
		m.Homed[0], m.Position.X = true, 0
	}
	if all || cmd.Has(gcode.FieldY) {
		m.Homed[1], m.Position.Y = true, 0
	}
	if all || cmd.Has(gcode.FieldZ) {
		m.Homed[2], m.Position.Z = true, 0
	}
	return nil
}

// setPosition overrides the logical position (G92)
func (m *Machine) setPosition(_ *Executor, cmd *gcode.Command) error {
	if v, ok := cmd.Float(gcode.FieldX); ok {
		m.Position.X = float64(v)
	}
	if v, ok := cmd.Float(gcode.FieldY); ok {
		m.Position.Y = float64(v)
	}
	if v, ok := cmd.Float(gcode.FieldZ); ok {
		m.Position.Z = float64(v)
	}
	if v, ok := cmd.Float(gcode.FieldE); ok {
		m.Position.E = float64(v)
	}
	return nil
}

func (m *Machine) selectTool(_ *Executor, cmd *gcode.Command) error {
	t, _ := cmd.T()
	m.Tool = t
	return nil
}

// report answers M114
func (m *Machine) report(e *Executor, cmd *gcode.Command) error {
	e.Reply(cmd, m.PositionString())
	return nil
}

// PositionString formats the position the way M114 reports it
func (m *Machine) PositionString() string {
	var sb strings.Builder
	for i, v := range [...]float64{m.Position.X, m.Position.Y, m.Position.Z, m.Position.E} {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteByte("XYZE"[i])
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatFloat(v, 'f', 2, 64))
	}
	return sb.String()
}

func emergencyStop(e *Executor, _ *gcode.Command) error {
	e.Core().Fatal("Emergency stop (M112)")
	return nil
}

func displayMessage(e *Executor, cmd *gcode.Command) error {
	text, _ := cmd.Text()
	e.Reply(cmd, "echo:"+text)
	return nil
}

// hostMessage broadcasts the text to every writable channel (M118)
func hostMessage(e *Executor, cmd *gcode.Command) error {
	text, _ := cmd.Text()
	e.Core().PrintAll(text)
	return nil
}
