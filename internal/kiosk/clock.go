package kiosk

import (
	"time"

	"github.com/google/uuid"
)

// Clock stamps activity records, enrollments and evidence keys.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the kiosk's wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// IDGenerator mints the sync tokens that let the remote system deduplicate
// activity records, and the object names evidence is stored under.
type IDGenerator interface {
	New() string
}

// RandomTokens issues version 4 UUIDs.
type RandomTokens struct{}

func (RandomTokens) New() string { return uuid.NewString() }
