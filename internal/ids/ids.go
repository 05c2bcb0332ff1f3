package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// CodeLength is the number of Crockford base32 characters after the prefix.
const CodeLength = 8

// Code returns a human-facing reference such as "MDM-7K2Q9XAB". The suffix is
// taken from the random half of a fresh ULID, so callers must still check for
// collisions.
func Code(prefix string) string {
	id := New()
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	return prefix + "-" + id[len(id)-CodeLength:]
}
