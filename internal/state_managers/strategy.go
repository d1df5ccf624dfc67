package state_managers

import (
	"fmt"
	"strings"

	"github.com/benmeehan/pulselink/internal/models"
)

// Strategy names accepted in configuration.
const (
	StrategyManual    = "manual"
	StrategyAutoFirst = "auto_first"
	StrategyTarget    = "target"
)

// Strategy decides how the first connection of a session is made.
type Strategy interface {
	Name() string
	// ScanOnStart reports whether discovery starts without a command.
	ScanOnStart() bool
	// Select reports whether to connect to a newly discovered device.
	Select(device models.DeviceDescriptor) bool
}

// NewStrategy builds the strategy called name. target is the device ID or
// name used by the target strategy.
func NewStrategy(name, target string) (Strategy, error) {
	switch name {
	case StrategyManual, "":
		return ManualStrategy{}, nil
	case StrategyAutoFirst:
		return AutoFirstStrategy{}, nil
	case StrategyTarget:
		if strings.TrimSpace(target) == "" {
			return nil, fmt.Errorf("strategy %q needs a target device", name)
		}
		return TargetStrategy{Target: strings.TrimSpace(target)}, nil
	}
	return nil, fmt.Errorf("unknown connection strategy %q", name)
}

// ManualStrategy waits for explicit scan and connect commands.
type ManualStrategy struct{}

func (ManualStrategy) Name() string {
	return StrategyManual
}

func (ManualStrategy) ScanOnStart() bool {
	return false
}

func (ManualStrategy) Select(models.DeviceDescriptor) bool {
	return false
}

// AutoFirstStrategy scans on start and connects to the first device found.
type AutoFirstStrategy struct{}

func (AutoFirstStrategy) Name() string {
	return StrategyAutoFirst
}

func (AutoFirstStrategy) ScanOnStart() bool {
	return true
}

func (AutoFirstStrategy) Select(models.DeviceDescriptor) bool {
	return true
}

// TargetStrategy scans on start and connects to the device whose ID or name
// matches Target, ignoring case.
type TargetStrategy struct {
	Target string
}

func (TargetStrategy) Name() string {
	return StrategyTarget
}

func (TargetStrategy) ScanOnStart() bool {
	return true
}

func (s TargetStrategy) Select(device models.DeviceDescriptor) bool {
	return strings.EqualFold(device.ID, s.Target) ||
		(device.Name != "" && strings.EqualFold(device.Name, s.Target))
}
