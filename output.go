package swout

import (
	"time"
)

const (
	MinPin = 0
	MaxPin = 40
)

type Status string

const (
	StatusDisabled Status = "disabled"
	StatusEnabled  Status = "enabled"
	StatusFaulted  Status = "faulted"

	// held only while a pin is being reconciled, never stored
	statusUnconfigured Status = "unconfigured"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDisabled, StatusEnabled, StatusFaulted:
		return true
	}
	return false
}

// Output is a named binding between an API resource and one physical pin.
type Output struct {
	Id        uint64    `json:"id"`
	Name      string    `json:"name"`
	Pin       int       `json:"pin"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (o Output) IsEnabled() bool {
	return o.Status == StatusEnabled
}

func (o Output) IsFaulty() bool {
	return o.Status == StatusFaulted
}

func pinInRange(pin int) bool {
	return pin >= MinPin && pin <= MaxPin
}

// StateListener is notified after every committed change of an output.
// Deleted outputs are reported with deleted set.
type StateListener interface {
	OutputChanged(output Output, deleted bool)
}
