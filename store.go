package swout

// Store persists outputs. Implementations reject a second record holding the
// same pin with ErrConflict and unknown ids with ErrNotFound, independently of
// the registry's own bookkeeping.
type Store interface {
	Load() ([]Output, error)
	Insert(output Output) error
	Update(output Output) error
	Delete(id uint64) error
}
