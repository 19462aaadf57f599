package drivers

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
)

const mockDriverName = "mock_driver"

// MockCall is one recorded driver call.
type MockCall struct {
	Op    string
	Pin   uint16
	Mode  PinMode
	State bool
	Err   error
}

const (
	MockOpSetMode  = "set_mode"
	MockOpSetState = "set_state"
)

type MockOutput struct {
	Pin   uint16
	Mode  PinMode
	State bool
}

// MockIoDriver is an in-memory PinDriver. Failures and hangs can be injected
// per pin to simulate a faulty board.
type MockIoDriver struct {
	outputs map[uint16]*MockOutput
	calls   []MockCall
	ready   bool

	failMode  map[uint16]error
	failState map[uint16]error
	hang      map[uint16]chan struct{}

	writeTo          io.Writer
	writeStateChange bool

	lock sync.Mutex
}

func (md *MockIoDriver) Setup(ctx context.Context) error {
	md.lock.Lock()
	defer md.lock.Unlock()

	md.init()
	md.ready = true
	return nil
}

func (md *MockIoDriver) init() {
	if md.outputs == nil {
		md.outputs = make(map[uint16]*MockOutput)
		md.failMode = make(map[uint16]error)
		md.failState = make(map[uint16]error)
		md.hang = make(map[uint16]chan struct{})
	}
}

func (md *MockIoDriver) waitHang(pin uint16) {
	md.lock.Lock()
	release := md.hang[pin]
	md.lock.Unlock()

	if release != nil {
		<-release
	}
}

func (md *MockIoDriver) SetMode(pin uint16, mode PinMode) error {
	md.waitHang(pin)

	md.lock.Lock()
	defer md.lock.Unlock()

	if !md.ready {
		return errors.New("mock driver not ready")
	}
	err := md.failMode[pin]
	md.calls = append(md.calls, MockCall{Op: MockOpSetMode, Pin: pin, Mode: mode, Err: err})
	if err != nil {
		return err
	}

	out, exists := md.outputs[pin]
	if !exists {
		out = &MockOutput{Pin: pin}
		md.outputs[pin] = out
	}
	out.Mode = mode
	return nil
}

func (md *MockIoDriver) SetState(pin uint16, state bool) error {
	md.waitHang(pin)

	md.lock.Lock()
	defer md.lock.Unlock()

	if !md.ready {
		return errors.New("mock driver not ready")
	}
	out, exists := md.outputs[pin]
	err := md.failState[pin]
	if err == nil && (!exists || out.Mode != ModeOutput) {
		err = errors.Errorf("mock pin %d is not configured as output", pin)
	}
	md.calls = append(md.calls, MockCall{Op: MockOpSetState, Pin: pin, State: state, Err: err})
	if err != nil {
		return err
	}
	if md.writeStateChange && state != out.State {
		fmt.Fprintf(md.writeTo, "[pin %d] state changed to %v\n", pin, state)
	}
	out.State = state
	return nil
}

func (md *MockIoDriver) Close() error {
	md.lock.Lock()
	defer md.lock.Unlock()

	md.ready = false
	return nil
}

func (md *MockIoDriver) String() string {
	return mockDriverName
}

func (md *MockIoDriver) IsReady() bool {
	md.lock.Lock()
	defer md.lock.Unlock()

	return md.ready
}

// FailMode makes every SetMode on pin return err, nil clears it.
func (md *MockIoDriver) FailMode(pin uint16, err error) {
	md.lock.Lock()
	defer md.lock.Unlock()

	md.init()
	md.failMode[pin] = err
}

// FailState makes every SetState on pin return err, nil clears it.
func (md *MockIoDriver) FailState(pin uint16, err error) {
	md.lock.Lock()
	defer md.lock.Unlock()

	md.init()
	md.failState[pin] = err
}

// Hang blocks every call on pin until the returned func is called.
func (md *MockIoDriver) Hang(pin uint16) (release func()) {
	md.lock.Lock()
	defer md.lock.Unlock()

	md.init()
	ch := make(chan struct{})
	md.hang[pin] = ch

	var once sync.Once
	return func() {
		once.Do(func() {
			md.lock.Lock()
			delete(md.hang, pin)
			md.lock.Unlock()
			close(ch)
		})
	}
}

func (md *MockIoDriver) GetOutput(pin uint16) (MockOutput, error) {
	md.lock.Lock()
	defer md.lock.Unlock()

	out, exists := md.outputs[pin]
	if !exists {
		return MockOutput{}, fmt.Errorf("mock output %d not found", pin)
	}
	return *out, nil
}

func (md *MockIoDriver) Calls() []MockCall {
	md.lock.Lock()
	defer md.lock.Unlock()

	calls := make([]MockCall, len(md.calls))
	copy(calls, md.calls)
	return calls
}

func (md *MockIoDriver) MonitorStateChanges(writer io.Writer) {
	md.lock.Lock()
	defer md.lock.Unlock()

	md.writeTo = writer
	md.writeStateChange = true
}
