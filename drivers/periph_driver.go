package drivers

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

const periphDriverName = "periph"

// PeriphIO drives host GPIO lines through periph.io. Pins are addressed by
// their BCM numbers and resolved as "GPIO<n>" in the periph registry.
type PeriphIO struct {
	InvertOutputs bool

	pins    map[uint16]gpio.PinIO
	isReady bool
	lock    sync.Mutex
}

func (pio *PeriphIO) Setup(ctx context.Context) error {
	pio.lock.Lock()
	defer pio.lock.Unlock()

	// host.Init is safe to call more than once
	if _, err := host.Init(); err != nil {
		return errors.Wrap(err, "failed to init periph host")
	}

	pio.pins = make(map[uint16]gpio.PinIO)
	pio.isReady = true
	return nil
}

func (pio *PeriphIO) lookup(pin uint16) (gpio.PinIO, error) {
	if !pio.isReady {
		return nil, errors.New("periph driver not ready")
	}
	if p, ok := pio.pins[pin]; ok {
		return p, nil
	}
	p := gpioreg.ByName(fmt.Sprintf("GPIO%d", pin))
	if p == nil {
		return nil, errors.Errorf("periph pin GPIO%d not found", pin)
	}
	return p, nil
}

func (pio *PeriphIO) level(state bool) gpio.Level {
	if pio.InvertOutputs {
		state = !state
	}
	return gpio.Level(state)
}

// SetMode for ModeOutput drives the line to its inactive level, periph has no
// direction change without a level.
func (pio *PeriphIO) SetMode(pin uint16, mode PinMode) error {
	pio.lock.Lock()
	defer pio.lock.Unlock()

	p, err := pio.lookup(pin)
	if err != nil {
		return err
	}

	switch mode {
	case ModeOutput:
		if err = p.Out(pio.level(false)); err != nil {
			return errors.Wrapf(err, "failed to set GPIO%d as output", pin)
		}
		pio.pins[pin] = p
	case ModeInput:
		if err = p.In(gpio.PullUp, gpio.NoEdge); err != nil {
			return errors.Wrapf(err, "failed to set GPIO%d as input", pin)
		}
		delete(pio.pins, pin)
	default:
		return errors.Errorf("unsupported pin mode %d", mode)
	}

	return nil
}

func (pio *PeriphIO) SetState(pin uint16, state bool) error {
	pio.lock.Lock()
	defer pio.lock.Unlock()

	if !pio.isReady {
		return errors.New("periph driver not ready")
	}
	p, configured := pio.pins[pin]
	if !configured {
		return errors.Errorf("GPIO%d is not configured as output", pin)
	}

	return errors.Wrapf(p.Out(pio.level(state)), "failed to write GPIO%d", pin)
}

func (pio *PeriphIO) String() string {
	return periphDriverName
}

func (pio *PeriphIO) IsReady() bool {
	pio.lock.Lock()
	defer pio.lock.Unlock()

	return pio.isReady
}

func (pio *PeriphIO) Close() error {
	pio.lock.Lock()
	defer pio.lock.Unlock()

	pio.isReady = false
	pio.pins = nil
	return nil
}
