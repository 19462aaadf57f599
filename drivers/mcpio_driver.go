package drivers

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/racerxdl/go-mcp23017"
)

const mcpioDriverName = "mcpio"

// MCP23017 exposes two 8-bit ports, A0-A7 and B0-B7.
const mcpioPinCount = 16

type McpIO struct {
	BusNo         uint8
	DevNo         uint8
	InvertOutputs bool

	device  *mcp23017.Device
	isReady bool
	lock    sync.Mutex
}

func (mcp *McpIO) Setup(ctx context.Context) (err error) {
	mcp.lock.Lock()
	defer mcp.lock.Unlock()

	mcp.device, err = mcp23017.Open(mcp.BusNo, mcp.DevNo)
	if err != nil {
		return errors.Wrapf(err, "failed to open mcp23017 (bus: %d, dev: %d)", mcp.BusNo, mcp.DevNo)
	}

	mcp.isReady = true
	return nil
}

func (mcp *McpIO) checkPin(pin uint16) error {
	if !mcp.isReady {
		return errors.New("mcpio driver not ready")
	}
	if pin >= mcpioPinCount {
		return errors.Errorf("pin %d out of range (mcpio takes pin 0-%d)", pin, mcpioPinCount-1)
	}
	return nil
}

func (mcp *McpIO) SetMode(pin uint16, mode PinMode) error {
	mcp.lock.Lock()
	defer mcp.lock.Unlock()

	if err := mcp.checkPin(pin); err != nil {
		return err
	}

	var err error
	switch mode {
	case ModeOutput:
		err = mcp.device.PinMode(uint8(pin), mcp23017.OUTPUT)
	case ModeInput:
		err = mcp.device.PinMode(uint8(pin), mcp23017.INPUT)
		if err == nil {
			err = mcp.device.SetPullUp(uint8(pin), true)
		}
	default:
		return errors.Errorf("unsupported pin mode %d", mode)
	}

	return errors.Wrapf(err, "failed to set mode of mcpio pin %d", pin)
}

func (mcp *McpIO) SetState(pin uint16, state bool) error {
	mcp.lock.Lock()
	defer mcp.lock.Unlock()

	if err := mcp.checkPin(pin); err != nil {
		return err
	}

	if mcp.InvertOutputs {
		state = !state
	}

	err := mcp.device.DigitalWrite(uint8(pin), mcp23017.PinLevel(state))
	return errors.Wrapf(err, "failed to write mcpio pin %d", pin)
}

func (mcp *McpIO) String() string {
	return mcpioDriverName
}

func (mcp *McpIO) IsReady() bool {
	mcp.lock.Lock()
	defer mcp.lock.Unlock()

	return mcp.isReady
}

func (mcp *McpIO) Close() error {
	mcp.lock.Lock()
	defer mcp.lock.Unlock()

	if !mcp.isReady {
		return nil
	}
	mcp.isReady = false
	return mcp.device.Close()
}
