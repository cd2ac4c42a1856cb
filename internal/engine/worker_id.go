package engine

import (
	"os"

	"github.com/google/uuid"
)

// UUIDv7Generator generates time-sortable worker identities of the form
// "<hostname>/<uuidv7>".
//
// The hostname prefix tells an operator which machine held a lease; the
// UUIDv7 keeps two processes on the same machine apart and sorts by start
// time.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new worker identity.
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return host + "/" + uuid.Must(uuid.NewV7()).String()
}
