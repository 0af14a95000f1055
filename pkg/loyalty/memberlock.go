package loyalty

import "sync"

// memberLocks serializes ledger operations per member. Calls against
// different members proceed in parallel; calls against the same member queue
// in acquisition order. Locks are reference-counted so the map does not grow
// with the member population.
type memberLocks struct {
	mu      sync.Mutex
	holders map[string]*memberLock
}

type memberLock struct {
	mu       sync.Mutex
	refCount int
}

func newMemberLocks() *memberLocks {
	return &memberLocks{holders: make(map[string]*memberLock)}
}

// Acquire blocks until the member's exclusive lock is held and returns the
// release function. Once acquired, the operation runs to completion; there is
// no mid-operation cancellation.
func (locks *memberLocks) Acquire(memberID MemberID) func() {
	key := memberID.String()

	locks.mu.Lock()
	holder, exists := locks.holders[key]
	if !exists {
		holder = &memberLock{}
		locks.holders[key] = holder
	}
	holder.refCount++
	locks.mu.Unlock()

	holder.mu.Lock()

	return func() {
		holder.mu.Unlock()
		locks.mu.Lock()
		holder.refCount--
		if holder.refCount == 0 {
			delete(locks.holders, key)
		}
		locks.mu.Unlock()
	}
}
