package drivers

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/stianeikeland/go-rpio/v4"
)

const gpioDriverName = "gpio"

// highest BCM pin exposed by the Pi header controller
const gpioMaxPin = 53

// gpioPins is the register level access used by GpIO.
type gpioPins interface {
	Open() error
	Close() error
	Output(pin uint16)
	Input(pin uint16)
	Write(pin uint16, high bool)
}

type rpioPins struct{}

func (rpioPins) Open() error {
	return rpio.Open()
}

func (rpioPins) Close() error {
	return rpio.Close()
}

func (rpioPins) Output(pin uint16) {
	rpio.Pin(pin).Output()
}

func (rpioPins) Input(pin uint16) {
	rpin := rpio.Pin(pin)
	rpin.Input()
	rpin.PullUp()
}

func (rpioPins) Write(pin uint16, high bool) {
	if high {
		rpio.Pin(pin).High()
	} else {
		rpio.Pin(pin).Low()
	}
}

// GpIO drives the Raspberry Pi header pins. lock guards driver state only,
// register writes run outside it so calls on distinct pins never queue.
type GpIO struct {
	InvertOutputs bool

	pins    gpioPins
	outputs map[uint16]bool
	isReady bool
	lock    sync.Mutex
}

func (gp *GpIO) Setup(ctx context.Context) error {
	gp.lock.Lock()
	defer gp.lock.Unlock()

	if gp.pins == nil {
		gp.pins = rpioPins{}
	}
	err := gp.pins.Open()
	if err != nil {
		return errors.Wrap(err, "failed to Setup gpio driver")
	}

	gp.outputs = make(map[uint16]bool)
	gp.isReady = true
	return nil
}

func (gp *GpIO) checkPin(pin uint16) error {
	if !gp.isReady {
		return errors.New("gpio driver not ready")
	}
	if pin > gpioMaxPin {
		return errors.Errorf("pin %d out of range (gpio takes BCM pin 0-%d)", pin, gpioMaxPin)
	}
	return nil
}

func (gp *GpIO) SetMode(pin uint16, mode PinMode) error {
	if mode != ModeOutput && mode != ModeInput {
		return errors.Errorf("unsupported pin mode %d", mode)
	}

	gp.lock.Lock()
	err := gp.checkPin(pin)
	pins := gp.pins
	gp.lock.Unlock()
	if err != nil {
		return err
	}

	if mode == ModeOutput {
		pins.Output(pin)
	} else {
		pins.Input(pin)
	}

	gp.lock.Lock()
	defer gp.lock.Unlock()
	if mode == ModeOutput {
		gp.outputs[pin] = true
	} else {
		delete(gp.outputs, pin)
	}
	return nil
}

func (gp *GpIO) SetState(pin uint16, state bool) error {
	gp.lock.Lock()
	err := gp.checkPin(pin)
	configured := gp.outputs[pin]
	pins := gp.pins
	gp.lock.Unlock()

	if err != nil {
		return err
	}
	if !configured {
		return errors.Errorf("pin %d is not configured as output", pin)
	}

	if gp.InvertOutputs {
		state = !state
	}
	pins.Write(pin, state)
	return nil
}

func (gp *GpIO) String() string {
	return gpioDriverName
}

func (gp *GpIO) IsReady() bool {
	gp.lock.Lock()
	defer gp.lock.Unlock()

	return gp.isReady
}

func (gp *GpIO) Close() error {
	gp.lock.Lock()
	defer gp.lock.Unlock()

	if !gp.isReady {
		return nil
	}
	gp.isReady = false
	return gp.pins.Close()
}
