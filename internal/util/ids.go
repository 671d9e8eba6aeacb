package util

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New generates a new ULID string
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewRequestID identifies one outbox record.
func NewRequestID() string { return New() }

func NewBatchID() string { return "BAT" + New() }

func NewShipmentID() string { return "SHP" + New() }

func NewPacketID() string { return "PKT" + New() }

// NewPacketIDs returns n packet ids in generation order.
func NewPacketIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = NewPacketID()
	}
	return ids
}

// NewHarvestID returns a random UUID v4, the format harvest ids have always used.
func NewHarvestID() string { return uuid.NewString() }
