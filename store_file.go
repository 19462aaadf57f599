package swout

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// FileStore keeps outputs in a JSON file. Every mutation rewrites the whole
// file through a temporary file and a rename, so a crash leaves either the
// old or the new content on disk.
type FileStore struct {
	path    string
	outputs map[uint64]Output
	loaded  bool
	lock    sync.Mutex
}

type fileStoreContent struct {
	Outputs []Output `json:"outputs"`
}

func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:    path,
		outputs: make(map[uint64]Output),
	}
}

func (fs *FileStore) Load() ([]Output, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if err := fs.load(); err != nil {
		return nil, err
	}
	return sortedOutputs(fs.outputs), nil
}

func (fs *FileStore) load() error {
	if fs.loaded {
		return nil
	}

	data, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		fs.loaded = true
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "unable to read store file %s", fs.path)
	}

	content := fileStoreContent{}
	if err = json.Unmarshal(data, &content); err != nil {
		return errors.Wrapf(err, "invalid store file %s", fs.path)
	}

	outputs := make(map[uint64]Output)
	for _, o := range content.Outputs {
		if !pinInRange(o.Pin) || !o.Status.Valid() {
			return errors.Errorf("invalid store file %s: output %d has pin %d and status %q", fs.path, o.Id, o.Pin, o.Status)
		}
		if err = insertOutput(outputs, o); err != nil {
			return errors.Wrapf(err, "invalid store file %s", fs.path)
		}
	}

	fs.outputs = outputs
	fs.loaded = true
	return nil
}

func (fs *FileStore) save(outputs map[uint64]Output) error {
	data, err := json.MarshalIndent(fileStoreContent{Outputs: sortedOutputs(outputs)}, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := fs.path + ".tmp"
	if err = os.WriteFile(tmpPath, data, 0600); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmpPath)
	}
	return errors.Wrapf(os.Rename(tmpPath, fs.path), "failed to replace %s", fs.path)
}

// mutate applies fn to a copy and swaps it in only once it is on disk.
func (fs *FileStore) mutate(fn func(outputs map[uint64]Output) error) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if err := fs.load(); err != nil {
		return err
	}

	next := make(map[uint64]Output, len(fs.outputs)+1)
	for id, o := range fs.outputs {
		next[id] = o
	}
	if err := fn(next); err != nil {
		return err
	}
	if err := fs.save(next); err != nil {
		return err
	}

	fs.outputs = next
	return nil
}

func (fs *FileStore) Insert(output Output) error {
	return fs.mutate(func(outputs map[uint64]Output) error {
		return insertOutput(outputs, output)
	})
}

func (fs *FileStore) Update(output Output) error {
	return fs.mutate(func(outputs map[uint64]Output) error {
		return updateOutput(outputs, output)
	})
}

func (fs *FileStore) Delete(id uint64) error {
	return fs.mutate(func(outputs map[uint64]Output) error {
		if _, exists := outputs[id]; !exists {
			return errors.Wrapf(ErrNotFound, "output %d", id)
		}
		delete(outputs, id)
		return nil
	})
}
