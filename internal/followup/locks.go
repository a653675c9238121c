package followup

import (
	"hash/fnv"
	"sync"
)

const ticketLockShards = 64

// ticketLocks serializes scheduling operations per ticket within one
// process. Cross-process races are stopped by the unique pending-per-ticket
// index on scheduled_messages; this mutex is the fast path that keeps
// same-process bursts from ever reaching that conflict. A fixed shard count
// keeps memory bounded regardless of how many tickets exist; two tickets
// hashing to the same shard contend harmlessly.
type ticketLocks struct {
	shards [ticketLockShards]sync.Mutex
}

func newTicketLocks() *ticketLocks {
	return &ticketLocks{}
}

// Lock acquires the shard mutex for the ticket and returns the unlock
// function. Callers defer the returned func immediately.
func (l *ticketLocks) Lock(ticketID string) func() {
	h := fnv.New32a()
	h.Write([]byte(ticketID))
	m := &l.shards[h.Sum32()%ticketLockShards]
	m.Lock()
	return m.Unlock
}
