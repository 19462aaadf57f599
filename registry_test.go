package swout

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hubertat/swout/drivers"
)

var errBus = errors.New("bus error")

func assertInts(t testing.TB, got, want int) {
	t.Helper()

	if got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}
}

func assertStatus(t testing.TB, got, want Status) {
	t.Helper()

	if got != want {
		t.Errorf("got status %s want %s", got, want)
	}
}

func assertErrorIs(t testing.TB, got, want error) {
	t.Helper()

	if !errors.Is(got, want) {
		t.Errorf("got error %v want %v", got, want)
	}
}

func assertNoError(t testing.TB, err error) {
	t.Helper()

	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
}

func newTestRegistryWithStore(t testing.TB, store Store, timeout time.Duration) (*Registry, *drivers.MockIoDriver) {
	t.Helper()

	md := &drivers.MockIoDriver{}
	assertNoError(t, md.Setup(context.Background()))

	r, err := NewRegistry(store, md, timeout)
	assertNoError(t, err)
	r.SetLogger(log.New(io.Discard))
	return r, md
}

func newTestRegistry(t testing.TB) (*Registry, *drivers.MockIoDriver) {
	t.Helper()

	return newTestRegistryWithStore(t, NewMemoryStore(), time.Second)
}

// assertModeBeforeState checks that no state write hit a pin before a
// successful mode change on that pin.
func assertModeBeforeState(t testing.TB, md *drivers.MockIoDriver) {
	t.Helper()

	configured := map[uint16]bool{}
	for i, call := range md.Calls() {
		switch call.Op {
		case drivers.MockOpSetMode:
			if call.Err == nil && call.Mode == drivers.ModeOutput {
				configured[call.Pin] = true
			}
		case drivers.MockOpSetState:
			if !configured[call.Pin] {
				t.Errorf("call %d: state written to pin %d before it was configured", i, call.Pin)
			}
		}
	}
}

type recordingListener struct {
	events []Output
	lock   sync.Mutex
}

func (rl *recordingListener) OutputChanged(output Output, deleted bool) {
	rl.lock.Lock()
	defer rl.lock.Unlock()

	rl.events = append(rl.events, output)
}

func TestCreateAndConflict(t *testing.T) {
	r, md := newTestRegistry(t)
	ctx := context.Background()

	pump, err := r.Create(ctx, "Pump", 5)
	assertNoError(t, err)
	assertStatus(t, pump.Status, StatusDisabled)
	assertInts(t, pump.Pin, 5)
	if pump.Id != 1 {
		t.Errorf("got id %d want 1", pump.Id)
	}

	out, _ := md.GetOutput(5)
	if out.Mode != drivers.ModeOutput {
		t.Error("pin 5 not configured as output")
	}

	_, err = r.Create(ctx, "Valve", 5)
	assertErrorIs(t, err, ErrConflict)
	assertInts(t, len(r.List()), 1)
}

func TestPinReassignmentFreesPin(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	fan, err := r.Create(ctx, "Fan", 3)
	assertNoError(t, err)

	updated, err := r.Update(ctx, fan.Id, "Fan2", 40)
	assertNoError(t, err)
	if updated.Name != "Fan2" || updated.Pin != 40 {
		t.Errorf("got %+v", updated)
	}

	heater, err := r.Create(ctx, "Heater", 3)
	assertNoError(t, err)
	assertInts(t, heater.Pin, 3)
}

func TestPinOutOfRange(t *testing.T) {
	r, md := newTestRegistry(t)
	ctx := context.Background()

	for _, pin := range []int{-1, 41, 50} {
		_, err := r.Create(ctx, "Light", pin)
		assertErrorIs(t, err, ErrInvalidArgument)
	}
	assertInts(t, len(r.List()), 0)

	light, err := r.Create(ctx, "Light", 0)
	assertNoError(t, err)
	callsBefore := len(md.Calls())

	_, err = r.Update(ctx, light.Id, "Light", 41)
	assertErrorIs(t, err, ErrInvalidArgument)

	got, _ := r.Get(light.Id)
	assertInts(t, got.Pin, 0)
	assertInts(t, len(md.Calls()), callsBefore)
}

func TestEmptyNameRejected(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Create(context.Background(), "  ", 2)
	assertErrorIs(t, err, ErrInvalidArgument)
	assertInts(t, len(r.List()), 0)
}

func TestFaultedOutputRecovers(t *testing.T) {
	r, md := newTestRegistry(t)
	ctx := context.Background()

	o, err := r.Create(ctx, "Light", 7)
	assertNoError(t, err)

	o, err = r.Enable(ctx, o.Id)
	assertNoError(t, err)
	assertStatus(t, o.Status, StatusEnabled)
	out, _ := md.GetOutput(7)
	if !out.State {
		t.Error("pin 7 not driven high")
	}

	md.FailState(7, errBus)
	o, err = r.Disable(ctx, o.Id)
	assertErrorIs(t, err, ErrHardwareFault)
	assertErrorIs(t, err, errBus)
	assertStatus(t, o.Status, StatusFaulted)

	got, _ := r.Get(o.Id)
	assertStatus(t, got.Status, StatusFaulted)

	md.FailState(7, nil)
	o, err = r.Disable(ctx, o.Id)
	assertNoError(t, err)
	assertStatus(t, o.Status, StatusDisabled)
	out, _ = md.GetOutput(7)
	if out.State {
		t.Error("pin 7 still high")
	}
}

func TestFaultedEnableThenEnable(t *testing.T) {
	r, md := newTestRegistry(t)
	ctx := context.Background()

	o, _ := r.Create(ctx, "Relay", 11)
	md.FailState(11, errBus)

	_, err := r.Enable(ctx, o.Id)
	assertErrorIs(t, err, ErrHardwareFault)
	got, _ := r.Get(o.Id)
	assertStatus(t, got.Status, StatusFaulted)

	md.FailState(11, nil)
	got, err = r.Enable(ctx, o.Id)
	assertNoError(t, err)
	assertStatus(t, got.Status, StatusEnabled)
}

func TestRepeatedEnableRewritesHardware(t *testing.T) {
	r, md := newTestRegistry(t)
	ctx := context.Background()

	o, _ := r.Create(ctx, "Relay", 12)
	r.Enable(ctx, o.Id)
	r.Enable(ctx, o.Id)

	writes := 0
	for _, call := range md.Calls() {
		if call.Op == drivers.MockOpSetState && call.Pin == 12 {
			writes++
		}
	}
	assertInts(t, writes, 2)
}

func TestDelete(t *testing.T) {
	r, md := newTestRegistry(t)
	ctx := context.Background()

	o, _ := r.Create(ctx, "Pump", 1)
	r.Enable(ctx, o.Id)

	assertNoError(t, r.Delete(ctx, o.Id))

	_, err := r.Get(o.Id)
	assertErrorIs(t, err, ErrNotFound)

	err = r.Delete(ctx, o.Id)
	assertErrorIs(t, err, ErrNotFound)

	_, err = r.Enable(ctx, o.Id)
	assertErrorIs(t, err, ErrNotFound)

	out, _ := md.GetOutput(1)
	if out.State {
		t.Error("deleted output's pin left high")
	}

	_, err = r.Create(ctx, "Pump again", 1)
	assertNoError(t, err)
}

func TestDeleteSucceedsWhenPinCannotBeDriven(t *testing.T) {
	r, md := newTestRegistry(t)
	ctx := context.Background()

	o, _ := r.Create(ctx, "Pump", 1)
	md.FailState(1, errBus)

	assertNoError(t, r.Delete(ctx, o.Id))
	assertInts(t, len(r.List()), 0)
}

func TestUnknownIds(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Get(99)
	assertErrorIs(t, err, ErrNotFound)
	_, err = r.Update(ctx, 99, "x", 1)
	assertErrorIs(t, err, ErrNotFound)
	_, err = r.Disable(ctx, 99)
	assertErrorIs(t, err, ErrNotFound)
	assertErrorIs(t, r.Delete(ctx, 99), ErrNotFound)
}

func TestConcurrentCreateSamePin(t *testing.T) {
	r, md := newTestRegistry(t)

	const workers = 32
	results := make(chan error, workers)
	start := make(chan struct{})
	wg := sync.WaitGroup{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := r.Create(context.Background(), "Racer", 12)
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	created := 0
	for err := range results {
		if err == nil {
			created++
			continue
		}
		assertErrorIs(t, err, ErrConflict)
	}
	assertInts(t, created, 1)
	assertInts(t, len(r.List()), 1)
	assertModeBeforeState(t, md)
}

func TestConcurrentUpdateToSamePin(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	ids := []uint64{}
	for pin := 1; pin <= 10; pin++ {
		o, err := r.Create(ctx, "Output", pin)
		assertNoError(t, err)
		ids = append(ids, o.Id)
	}

	results := make(chan error, len(ids))
	wg := sync.WaitGroup{}
	for _, id := range ids {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			_, err := r.Update(ctx, id, "Moved", 20)
			results <- err
		}(id)
	}
	wg.Wait()
	close(results)

	moved := 0
	for err := range results {
		if err == nil {
			moved++
			continue
		}
		assertErrorIs(t, err, ErrConflict)
	}
	assertInts(t, moved, 1)

	holders := 0
	for _, o := range r.List() {
		if o.Pin == 20 {
			holders++
		}
	}
	assertInts(t, holders, 1)
}

func TestConcurrentMixedOperations(t *testing.T) {
	r, md := newTestRegistry(t)
	ctx := context.Background()

	wg := sync.WaitGroup{}
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				pin := (worker*7 + i) % 41
				o, err := r.Create(ctx, "Mixed", pin)
				if err != nil {
					continue
				}
				r.Enable(ctx, o.Id)
				r.Update(ctx, o.Id, "Mixed2", (pin+13)%41)
				r.Disable(ctx, o.Id)
				if i%3 == 0 {
					r.Delete(ctx, o.Id)
				}
			}
		}(worker)
	}
	wg.Wait()

	seen := map[int]uint64{}
	for _, o := range r.List() {
		if other, taken := seen[o.Pin]; taken {
			t.Errorf("outputs %d and %d share pin %d", other, o.Id, o.Pin)
		}
		seen[o.Pin] = o.Id
	}
	assertModeBeforeState(t, md)
}

func TestCreateRollsBackOnModeFailure(t *testing.T) {
	r, md := newTestRegistry(t)
	ctx := context.Background()

	md.FailMode(9, errBus)
	_, err := r.Create(ctx, "Siren", 9)
	assertErrorIs(t, err, ErrHardwareFault)
	assertInts(t, len(r.List()), 0)

	_, err = r.Get(1)
	assertErrorIs(t, err, ErrNotFound)

	md.FailMode(9, nil)
	_, err = r.Create(ctx, "Siren", 9)
	assertNoError(t, err)
}

func TestUpdateRollsBackOnModeFailure(t *testing.T) {
	r, md := newTestRegistry(t)
	ctx := context.Background()

	o, _ := r.Create(ctx, "Heater", 3)
	o, _ = r.Enable(ctx, o.Id)

	md.FailMode(4, errBus)
	_, err := r.Update(ctx, o.Id, "Boiler", 4)
	assertErrorIs(t, err, ErrHardwareFault)

	got, _ := r.Get(o.Id)
	if got.Name != "Heater" || got.Pin != 3 {
		t.Errorf("update not rolled back: %+v", got)
	}
	assertStatus(t, got.Status, StatusEnabled)

	md.FailMode(4, nil)
	_, err = r.Create(ctx, "Other", 4)
	assertNoError(t, err)
}

func TestUpdateKeepingPin(t *testing.T) {
	r, md := newTestRegistry(t)
	ctx := context.Background()

	o, _ := r.Create(ctx, "Lamp", 8)
	r.Enable(ctx, o.Id)
	callsBefore := len(md.Calls())

	updated, err := r.Update(ctx, o.Id, "Desk lamp", 8)
	assertNoError(t, err)
	if updated.Name != "Desk lamp" {
		t.Errorf("got name %s", updated.Name)
	}
	assertStatus(t, updated.Status, StatusEnabled)
	assertInts(t, len(md.Calls()), callsBefore)
}

func TestUpdateToNewPinDisables(t *testing.T) {
	r, md := newTestRegistry(t)
	ctx := context.Background()

	o, _ := r.Create(ctx, "Lamp", 8)
	r.Enable(ctx, o.Id)

	updated, err := r.Update(ctx, o.Id, "Lamp", 9)
	assertNoError(t, err)
	assertStatus(t, updated.Status, StatusDisabled)

	old, _ := md.GetOutput(8)
	if !old.State {
		t.Error("previous pin was touched by the update")
	}
	assertModeBeforeState(t, md)
}

func TestHardwareTimeout(t *testing.T) {
	r, md := newTestRegistryWithStore(t, NewMemoryStore(), 50*time.Millisecond)
	ctx := context.Background()

	hung, _ := r.Create(ctx, "Hung", 6)
	other, _ := r.Create(ctx, "Other", 8)

	release := md.Hang(6)
	defer release()

	started := time.Now()
	o, err := r.Enable(ctx, hung.Id)
	assertErrorIs(t, err, ErrHardwareFault)
	assertStatus(t, o.Status, StatusFaulted)
	if time.Since(started) > time.Second {
		t.Errorf("enable took %s", time.Since(started))
	}

	_, err = r.Enable(ctx, other.Id)
	assertNoError(t, err)

	release()
	o, err = r.Enable(ctx, hung.Id)
	assertNoError(t, err)
	assertStatus(t, o.Status, StatusEnabled)
}

func TestCancelledWaitLeavesStatus(t *testing.T) {
	r, md := newTestRegistryWithStore(t, NewMemoryStore(), time.Second)

	o, _ := r.Create(context.Background(), "Lamp", 14)
	release := md.Hang(14)

	go r.Enable(context.Background(), o.Id)
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// the first Enable holds the output, so this one waits and gives up
	_, err := r.Disable(ctx, o.Id)
	release()
	assertErrorIs(t, err, context.DeadlineExceeded)
	if errors.Is(err, ErrHardwareFault) {
		t.Error("waiting for a busy output reported as hardware fault")
	}
}

func TestRestore(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	for _, o := range []Output{
		{Id: 2, Name: "On", Pin: 2, Status: StatusEnabled, CreatedAt: now, UpdatedAt: now},
		{Id: 3, Name: "Broken", Pin: 3, Status: StatusDisabled, CreatedAt: now, UpdatedAt: now},
		{Id: 5, Name: "Faulted", Pin: 4, Status: StatusFaulted, CreatedAt: now, UpdatedAt: now},
	} {
		assertNoError(t, store.Insert(o))
	}

	r, md := newTestRegistryWithStore(t, store, time.Second)
	md.FailMode(3, errBus)
	ctx := context.Background()

	assertNoError(t, r.Restore(ctx))

	on, _ := md.GetOutput(2)
	if on.Mode != drivers.ModeOutput || !on.State {
		t.Errorf("pin 2 not restored: %+v", on)
	}
	got, _ := r.Get(2)
	assertStatus(t, got.Status, StatusEnabled)

	got, _ = r.Get(3)
	assertStatus(t, got.Status, StatusFaulted)
	stored, _ := store.Load()
	assertStatus(t, stored[1].Status, StatusFaulted)

	got, _ = r.Get(5)
	assertStatus(t, got.Status, StatusFaulted)
	faulted, _ := md.GetOutput(4)
	if faulted.Mode != drivers.ModeOutput {
		t.Error("faulted output's pin not configured")
	}

	// pin 3 was never configured, enabling configures it first
	md.FailMode(3, nil)
	got, err := r.Enable(ctx, 3)
	assertNoError(t, err)
	assertStatus(t, got.Status, StatusEnabled)
	assertModeBeforeState(t, md)

	created, err := r.Create(ctx, "Next", 10)
	assertNoError(t, err)
	if created.Id != 6 {
		t.Errorf("got id %d want 6", created.Id)
	}
}

func TestNewRegistryRejectsSharedPins(t *testing.T) {
	md := &drivers.MockIoDriver{}
	_, err := NewRegistry(&sharedPinStore{}, md, time.Second)
	if err == nil {
		t.Error("got nil error for stored outputs sharing a pin")
	}
}

type sharedPinStore struct{ MemoryStore }

func (sps *sharedPinStore) Load() ([]Output, error) {
	return []Output{{Id: 1, Pin: 5, Status: StatusDisabled}, {Id: 2, Pin: 5, Status: StatusDisabled}}, nil
}

func TestListenersSeeEveryChange(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	rl := &recordingListener{}
	r.AddListener(rl)

	o, _ := r.Create(ctx, "Lamp", 1)
	r.Enable(ctx, o.Id)
	r.Delete(ctx, o.Id)

	assertInts(t, len(rl.events), 3)
	assertStatus(t, rl.events[1].Status, StatusEnabled)
}

func TestListIsOrderedById(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, pin := range []int{30, 10, 20} {
		r.Create(ctx, "Output", pin)
	}

	list := r.List()
	for i, o := range list {
		if o.Id != uint64(i+1) {
			t.Errorf("position %d holds id %d", i, o.Id)
		}
	}
}
