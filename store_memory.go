package swout

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

type MemoryStore struct {
	outputs map[uint64]Output
	lock    sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{outputs: make(map[uint64]Output)}
}

func (ms *MemoryStore) Load() ([]Output, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()

	return sortedOutputs(ms.outputs), nil
}

func (ms *MemoryStore) Insert(output Output) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()

	return insertOutput(ms.outputs, output)
}

func (ms *MemoryStore) Update(output Output) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()

	return updateOutput(ms.outputs, output)
}

func (ms *MemoryStore) Delete(id uint64) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()

	if _, exists := ms.outputs[id]; !exists {
		return errors.Wrapf(ErrNotFound, "output %d", id)
	}
	delete(ms.outputs, id)
	return nil
}

func pinHolder(outputs map[uint64]Output, pin int) (uint64, bool) {
	for id, o := range outputs {
		if o.Pin == pin {
			return id, true
		}
	}
	return 0, false
}

func insertOutput(outputs map[uint64]Output, output Output) error {
	if _, exists := outputs[output.Id]; exists {
		return errors.Wrapf(ErrConflict, "output %d already stored", output.Id)
	}
	if holder, taken := pinHolder(outputs, output.Pin); taken {
		return errors.Wrapf(ErrConflict, "pin %d already stored for output %d", output.Pin, holder)
	}
	outputs[output.Id] = output
	return nil
}

func updateOutput(outputs map[uint64]Output, output Output) error {
	if _, exists := outputs[output.Id]; !exists {
		return errors.Wrapf(ErrNotFound, "output %d", output.Id)
	}
	if holder, taken := pinHolder(outputs, output.Pin); taken && holder != output.Id {
		return errors.Wrapf(ErrConflict, "pin %d already stored for output %d", output.Pin, holder)
	}
	outputs[output.Id] = output
	return nil
}

func sortedOutputs(outputs map[uint64]Output) []Output {
	list := make([]Output, 0, len(outputs))
	for _, o := range outputs {
		list = append(list, o)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Id < list[j].Id })
	return list
}
