package tendril

import (
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

var idCounter atomic.Uint64

// nextID returns a process-unique identifier for signals, effects and
// contexts. Identity is what the dedup sets and dependency maps key on.
func nextID() uint64 {
	return idCounter.Add(1)
}

// Symbol ids for sentinels that must never collide with counter-issued ids.
// The counter starts at 1 and the hashed values sit far above any realistic
// allocation count.
var (
	symbolUntracked = xxhash.Sum64String("tendril.untracked")
)
