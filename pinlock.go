package swout

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const defaultHardwareTimeout = 2 * time.Second

// PinLocks keeps at most one hardware mutation in flight per physical pin.
// Each pin owns a one-slot semaphore; blocked senders on a channel are queued
// in arrival order, so waiters for the same pin are served first come first
// served. Distinct pins never contend.
type PinLocks struct {
	timeout time.Duration

	sections map[int]chan struct{}
	lock     sync.Mutex
}

func NewPinLocks(timeout time.Duration) *PinLocks {
	if timeout <= 0 {
		timeout = defaultHardwareTimeout
	}
	return &PinLocks{
		timeout:  timeout,
		sections: make(map[int]chan struct{}),
	}
}

func (pl *PinLocks) section(pin int) chan struct{} {
	pl.lock.Lock()
	defer pl.lock.Unlock()

	sem, exists := pl.sections[pin]
	if !exists {
		sem = make(chan struct{}, 1)
		pl.sections[pin] = sem
	}
	return sem
}

// WithPin runs op inside the exclusive section of pin. The section is
// released on every path. An op still running after the hardware timeout is
// abandoned: WithPin returns ErrHardwareFault and frees the section. The
// abandoned op is not stopped, it may still be inside the driver while the
// next op on the same pin runs.
func (pl *PinLocks) WithPin(ctx context.Context, pin int, op func() error) error {
	sem := pl.section(pin)

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "waiting for pin %d", pin)
	}
	defer func() { <-sem }()

	callCtx, cancel := context.WithTimeout(ctx, pl.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op()
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		return errors.Wrapf(ErrHardwareFault, "pin %d: driver call abandoned: %v", pin, callCtx.Err())
	}
}
