package actuator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"pkt.systems/pslog"
)

// Position is the physical lock position an Output is driven to.
type Position int

const (
	PositionLocked Position = iota
	PositionUnlocked
)

func (p Position) String() string {
	if p == PositionUnlocked {
		return "unlocked"
	}
	return "locked"
}

// Output drives the physical lock.
type Output interface {
	Drive(ctx context.Context, pos Position) error
}

// OutputFunc adapts a function to Output.
type OutputFunc func(ctx context.Context, pos Position) error

// Drive calls f.
func (f OutputFunc) Drive(ctx context.Context, pos Position) error { return f(ctx, pos) }

// LogOutput only logs the level it would set. It is the development
// driver for hosts without GPIO.
type LogOutput struct {
	Pin       int
	ActiveLow bool
	Logger    pslog.Logger
}

// Drive implements Output.
func (o *LogOutput) Drive(_ context.Context, pos Position) error {
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger.Info("actuator.output.drive", "pin", o.Pin, "position", pos.String(), "level", level(pos, o.ActiveLow))
	return nil
}

func level(pos Position, activeLow bool) int {
	high := pos == PositionUnlocked
	if activeLow {
		high = !high
	}
	if high {
		return 1
	}
	return 0
}

// DefaultSysfsRoot is the Linux GPIO sysfs class directory.
const DefaultSysfsRoot = "/sys/class/gpio"

// SysfsOutput drives a GPIO line through the legacy sysfs interface. With
// ActiveLow set, the line is pulled low to unlock, which matches relay
// boards that energise on a low input.
type SysfsOutput struct {
	Root      string
	Pin       int
	ActiveLow bool

	mu       sync.Mutex
	prepared bool
}

// NewSysfsOutput exports pin and configures it as an output held in the
// locked position.
func NewSysfsOutput(root string, pin int, activeLow bool) (*SysfsOutput, error) {
	if pin < 0 {
		return nil, fmt.Errorf("actuator: invalid gpio pin %d", pin)
	}
	if root == "" {
		root = DefaultSysfsRoot
	}
	out := &SysfsOutput{Root: root, Pin: pin, ActiveLow: activeLow}
	if err := out.Drive(context.Background(), PositionLocked); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *SysfsOutput) pinDir() string {
	return filepath.Join(o.Root, "gpio"+strconv.Itoa(o.Pin))
}

func (o *SysfsOutput) prepareLocked() error {
	if o.prepared {
		return nil
	}
	if _, err := os.Stat(o.pinDir()); errors.Is(err, os.ErrNotExist) {
		if err := writeSysfs(filepath.Join(o.Root, "export"), strconv.Itoa(o.Pin)); err != nil {
			return fmt.Errorf("actuator: export gpio %d: %w", o.Pin, err)
		}
	}
	// Setting direction to "high"/"low" configures the line as an output
	// with an initial level in one write, so it never glitches to unlocked.
	initial := "low"
	if level(PositionLocked, o.ActiveLow) == 1 {
		initial = "high"
	}
	if err := writeSysfs(filepath.Join(o.pinDir(), "direction"), initial); err != nil {
		return fmt.Errorf("actuator: configure gpio %d: %w", o.Pin, err)
	}
	o.prepared = true
	return nil
}

// Drive implements Output.
func (o *SysfsOutput) Drive(_ context.Context, pos Position) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.prepareLocked(); err != nil {
		return err
	}
	value := strconv.Itoa(level(pos, o.ActiveLow))
	if err := writeSysfs(filepath.Join(o.pinDir(), "value"), value); err != nil {
		return fmt.Errorf("actuator: set gpio %d=%s: %w", o.Pin, value, err)
	}
	return nil
}

// Value reads back the current line level.
func (o *SysfsOutput) Value() (int, error) {
	raw, err := os.ReadFile(filepath.Join(o.pinDir(), "value"))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(raw)))
}

func writeSysfs(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
