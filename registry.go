package swout

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/swout/drivers"
)

type entry struct {
	id     uint64
	output Output
	// pin mode was set successfully by this process for output.Pin
	configured bool
	deleted    bool

	// one-slot semaphore ordering every operation on this output, held
	// across hardware I/O
	turn chan struct{}
}

func newEntry(output Output) *entry {
	return &entry{id: output.Id, output: output, turn: make(chan struct{}, 1)}
}

func (e *entry) lock(ctx context.Context) error {
	select {
	case e.turn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "waiting for output %d", e.id)
	}
}

func (e *entry) unlock() {
	<-e.turn
}

// Registry is the catalog of outputs and the only writer to the pin driver.
//
// Lock order is the entry's turn, then Registry.lock, never the reverse. Hardware
// calls run holding the entry's turn and inside the pin's PinLocks section, never
// under Registry.lock.
type Registry struct {
	store  Store
	driver drivers.PinDriver
	pins   *PinLocks
	logger *log.Logger
	now    func() time.Time

	lock      sync.Mutex
	entries   map[uint64]*entry
	reserved  map[int]uint64 // pin -> output id, committed or in flight
	nextId    uint64
	listeners []StateListener
}

func NewRegistry(store Store, driver drivers.PinDriver, hardwareTimeout time.Duration) (*Registry, error) {
	if store == nil || driver == nil {
		return nil, errors.New("registry needs a store and a pin driver")
	}

	r := &Registry{
		store:  store,
		driver: driver,
		pins:   NewPinLocks(hardwareTimeout),
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "Registry",
			Level:  log.GetLevel(),
		}),
		now:      time.Now,
		entries:  make(map[uint64]*entry),
		reserved: make(map[int]uint64),
		nextId:   1,
	}

	stored, err := store.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load outputs")
	}
	for _, o := range stored {
		if !pinInRange(o.Pin) {
			return nil, errors.Errorf("stored output %d has pin %d out of range", o.Id, o.Pin)
		}
		if holder, taken := r.reserved[o.Pin]; taken {
			return nil, errors.Errorf("stored outputs %d and %d share pin %d", holder, o.Id, o.Pin)
		}
		r.entries[o.Id] = newEntry(o)
		r.reserved[o.Pin] = o.Id
		if o.Id >= r.nextId {
			r.nextId = o.Id + 1
		}
	}

	return r, nil
}

func (r *Registry) SetLogger(logger *log.Logger) {
	r.logger = logger
}

func (r *Registry) AddListener(listener StateListener) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.listeners = append(r.listeners, listener)
}

func (r *Registry) notify(output Output, deleted bool) {
	r.lock.Lock()
	listeners := append([]StateListener(nil), r.listeners...)
	r.lock.Unlock()

	for _, l := range listeners {
		l.OutputChanged(output, deleted)
	}
}

func validateOutput(name string, pin int) error {
	if len(strings.TrimSpace(name)) == 0 {
		return errors.Wrap(ErrInvalidArgument, "name must not be empty")
	}
	if !pinInRange(pin) {
		return errors.Wrapf(ErrInvalidArgument, "pin %d out of range %d-%d", pin, MinPin, MaxPin)
	}
	return nil
}

func notFound(id uint64) error {
	return errors.Wrapf(ErrNotFound, "output %d", id)
}

// waitErr reports whether err came from giving up on a pin section before any
// hardware call was made.
func waitErr(err error) bool {
	if errors.Is(err, ErrHardwareFault) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func hardwareFault(err error, format string, args ...interface{}) error {
	if err == nil || waitErr(err) {
		return err
	}
	if errors.Is(err, ErrHardwareFault) {
		return errors.Wrapf(err, format, args...)
	}
	// pkg/errors wraps one cause, both the sentinel and the driver error must match errors.Is
	return fmt.Errorf("%s: %w: %w", fmt.Sprintf(format, args...), ErrHardwareFault, err)
}

func (r *Registry) setMode(ctx context.Context, pin int) error {
	err := r.pins.WithPin(ctx, pin, func() error {
		return r.driver.SetMode(uint16(pin), drivers.ModeOutput)
	})
	return hardwareFault(err, "failed to configure pin %d as output", pin)
}

func (r *Registry) setState(ctx context.Context, pin int, on bool) error {
	err := r.pins.WithPin(ctx, pin, func() error {
		return r.driver.SetState(uint16(pin), on)
	})
	return hardwareFault(err, "failed to set pin %d to %v", pin, on)
}

// acquire returns the live entry for id holding its turn.
func (r *Registry) acquire(ctx context.Context, id uint64) (*entry, error) {
	r.lock.Lock()
	e, exists := r.entries[id]
	r.lock.Unlock()
	if !exists {
		return nil, notFound(id)
	}

	if err := e.lock(ctx); err != nil {
		return nil, err
	}
	if e.deleted {
		e.unlock()
		return nil, notFound(id)
	}
	return e, nil
}

// reserve atomically claims pin for id. A pin already held by id is not a
// conflict.
func (r *Registry) reserve(pin int, id uint64) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if holder, taken := r.reserved[pin]; taken && holder != id {
		return errors.Wrapf(ErrConflict, "pin %d already assigned to output %d", pin, holder)
	}
	r.reserved[pin] = id
	return nil
}

func (r *Registry) release(pin int, id uint64) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.reserved[pin] == id {
		delete(r.reserved, pin)
	}
}

func (r *Registry) List() []Output {
	r.lock.Lock()
	defer r.lock.Unlock()

	list := make([]Output, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e.output)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Id < list[j].Id })
	return list
}

func (r *Registry) Get(id uint64) (Output, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	e, exists := r.entries[id]
	if !exists {
		return Output{}, notFound(id)
	}
	return e.output, nil
}

// Create reserves pin, configures it as output and only then stores the new
// output as disabled. Nothing is stored when the pin cannot be configured.
func (r *Registry) Create(ctx context.Context, name string, pin int) (Output, error) {
	if err := validateOutput(name, pin); err != nil {
		return Output{}, err
	}

	r.lock.Lock()
	if holder, taken := r.reserved[pin]; taken {
		r.lock.Unlock()
		return Output{}, errors.Wrapf(ErrConflict, "pin %d already assigned to output %d", pin, holder)
	}
	id := r.nextId
	r.nextId++
	r.reserved[pin] = id
	r.lock.Unlock()

	r.logger.Debug("reconciling pin", "id", id, "pin", pin, "status", statusUnconfigured)
	if err := r.setMode(ctx, pin); err != nil {
		r.release(pin, id)
		r.logger.Warn("create rolled back", "pin", pin, "err", err)
		return Output{}, err
	}

	now := r.now()
	output := Output{
		Id:        id,
		Name:      strings.TrimSpace(name),
		Pin:       pin,
		Status:    StatusDisabled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e := newEntry(output)
	e.configured = true
	e.turn <- struct{}{}
	defer e.unlock()

	r.lock.Lock()
	if err := r.store.Insert(output); err != nil {
		delete(r.reserved, pin)
		r.lock.Unlock()
		return Output{}, errors.Wrap(err, "failed to store output")
	}
	r.entries[id] = e
	r.lock.Unlock()

	r.logger.Info("output created", "id", id, "name", output.Name, "pin", pin)
	r.notify(output, false)
	return output, nil
}

// Update renames the output and moves it to pin. A new pin is configured as
// output before anything is committed and the output becomes disabled; the
// previous pin is left electrically untouched. Any failure leaves the output
// as it was.
func (r *Registry) Update(ctx context.Context, id uint64, name string, pin int) (Output, error) {
	if err := validateOutput(name, pin); err != nil {
		return Output{}, err
	}

	e, err := r.acquire(ctx, id)
	if err != nil {
		return Output{}, err
	}
	defer e.unlock()

	current := e.output
	pinChanged := pin != current.Pin

	updated := current
	updated.Name = strings.TrimSpace(name)
	updated.Pin = pin

	if pinChanged {
		if err = r.reserve(pin, id); err != nil {
			return Output{}, err
		}
		if err = r.setMode(ctx, pin); err != nil {
			r.release(pin, id)
			r.logger.Warn("update rolled back", "id", id, "pin", pin, "err", err)
			return Output{}, err
		}
		updated.Status = StatusDisabled
	}
	updated.UpdatedAt = r.now()

	r.lock.Lock()
	if err = r.store.Update(updated); err != nil {
		if pinChanged {
			delete(r.reserved, pin)
		}
		r.lock.Unlock()
		return Output{}, errors.Wrap(err, "failed to store output")
	}
	if pinChanged {
		delete(r.reserved, current.Pin)
		e.configured = true
	}
	e.output = updated
	r.lock.Unlock()

	r.logger.Info("output updated", "id", id, "name", updated.Name, "pin", pin, "previous_pin", current.Pin)
	r.notify(updated, false)
	return updated, nil
}

// Delete removes the output and frees its pin number. The pin is driven low
// first; failing to do so is logged and does not stop the deletion.
func (r *Registry) Delete(ctx context.Context, id uint64) error {
	e, err := r.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer e.unlock()

	output := e.output
	if e.configured {
		if err = r.setState(ctx, output.Pin, false); err != nil {
			r.logger.Warn("failed to drive pin low before delete", "id", id, "pin", output.Pin, "err", err)
		}
	}

	r.lock.Lock()
	if err = r.store.Delete(id); err != nil {
		r.lock.Unlock()
		return errors.Wrap(err, "failed to delete stored output")
	}
	delete(r.entries, id)
	if r.reserved[output.Pin] == id {
		delete(r.reserved, output.Pin)
	}
	e.deleted = true
	r.lock.Unlock()

	r.logger.Info("output deleted", "id", id, "pin", output.Pin)
	r.notify(output, true)
	return nil
}

func (r *Registry) Enable(ctx context.Context, id uint64) (Output, error) {
	return r.apply(ctx, id, true)
}

func (r *Registry) Disable(ctx context.Context, id uint64) (Output, error) {
	return r.apply(ctx, id, false)
}

// apply writes the requested state even if the output already reports it.
// A hardware fault marks the output faulted and is returned together with
// that output.
func (r *Registry) apply(ctx context.Context, id uint64, on bool) (Output, error) {
	e, err := r.acquire(ctx, id)
	if err != nil {
		return Output{}, err
	}
	defer e.unlock()

	pin := e.output.Pin
	if !e.configured {
		err = r.setMode(ctx, pin)
		if err == nil {
			e.configured = true
		}
	}
	if err == nil {
		err = r.setState(ctx, pin, on)
	}
	if waitErr(err) {
		return Output{}, err
	}

	status := StatusDisabled
	if on {
		status = StatusEnabled
	}
	if err != nil {
		status = StatusFaulted
	}

	updated, storeErr := r.commitStatus(e, status)
	if storeErr != nil {
		return Output{}, storeErr
	}

	if err != nil {
		r.logger.Error("output faulted", "id", id, "pin", pin, "err", err)
		r.notify(updated, false)
		return updated, err
	}

	r.logger.Info("output "+string(status), "id", id, "pin", pin)
	r.notify(updated, false)
	return updated, nil
}

// commitStatus stores status for an entry whose turn is held.
func (r *Registry) commitStatus(e *entry, status Status) (Output, error) {
	updated := e.output
	updated.Status = status
	updated.UpdatedAt = r.now()

	r.lock.Lock()
	defer r.lock.Unlock()

	if err := r.store.Update(updated); err != nil {
		r.logger.Error("failed to store output status", "id", updated.Id, "status", status, "err", err)
		return Output{}, errors.Wrap(err, "failed to store output status")
	}
	e.output = updated
	return updated, nil
}

// Restore brings the hardware in line with the stored outputs: every pin is
// configured as output and its stored state is written again. Outputs whose
// pin cannot be driven become faulted. Faulted outputs only get their mode
// configured.
func (r *Registry) Restore(ctx context.Context) error {
	r.lock.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.lock.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	for _, e := range entries {
		if err := r.restore(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) restore(ctx context.Context, e *entry) error {
	if err := e.lock(ctx); err != nil {
		return err
	}
	defer e.unlock()

	if e.deleted {
		return nil
	}

	output := e.output
	err := r.setMode(ctx, output.Pin)
	if err == nil {
		e.configured = true
		if output.Status != StatusFaulted {
			err = r.setState(ctx, output.Pin, output.IsEnabled())
		}
	}
	if waitErr(err) {
		return err
	}
	if err == nil {
		r.logger.Debug("output restored", "id", output.Id, "pin", output.Pin, "status", output.Status)
		return nil
	}

	r.logger.Warn("output could not be restored", "id", output.Id, "pin", output.Pin, "err", err)
	updated, storeErr := r.commitStatus(e, StatusFaulted)
	if storeErr != nil {
		return storeErr
	}
	r.notify(updated, false)
	return nil
}

func (r *Registry) PrintStatus(writer io.Writer) {
	fmt.Fprintln(writer)
	fmt.Fprintf(writer, "=== outputs (driver: %s) ===\n", r.driver)
	for _, o := range r.List() {
		fmt.Fprintf(writer, "| %3d | pin %2d | %-8s | %s\n", o.Id, o.Pin, o.Status, o.Name)
	}
	fmt.Fprintln(writer, "-----------------------------")
	fmt.Fprintln(writer)
}
