package drivers

import (
	"context"
)

// PinMode is the direction a physical pin is configured for.
type PinMode int

const (
	ModeOutput PinMode = 0
	ModeInput  PinMode = 1
)

func (pm PinMode) String() string {
	switch pm {
	case ModeOutput:
		return "output"
	case ModeInput:
		return "input"
	default:
		return "unknown"
	}
}

// PinDriver is the raw hardware primitive behind every output. Both SetMode
// and SetState must be safe to call repeatedly and must report every failure.
type PinDriver interface {
	Setup(ctx context.Context) error
	SetMode(pin uint16, mode PinMode) error
	SetState(pin uint16, state bool) error
	Close() error
	String() string
	IsReady() bool
}

func MapAllPinDrivers() map[string]PinDriver {
	drivers := []PinDriver{
		&GpIO{},
		&McpIO{},
		&PeriphIO{},
		&MockIoDriver{},
	}

	mapped := make(map[string]PinDriver)
	for _, driver := range drivers {
		mapped[driver.String()] = driver
	}
	return mapped
}
