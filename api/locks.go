package api

// Lock table operations. An element id appears in the lock table only while
// locked; locks have no TTL beyond the holder's session lifetime.

// TryLock grants the exclusive edit lock on element to sessionID. Granting
// is idempotent for the current holder (reaffirm). On denial the current
// holder's id is returned so the requester alone can be notified.
func (r *Room) TryLock(element, sessionID string) (granted bool, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tryLockLocked(element, sessionID)
}

func (r *Room) tryLockLocked(element, sessionID string) (bool, string) {
	holder, locked := r.locks[element]
	if locked && holder != sessionID {
		return false, holder
	}
	r.locks[element] = sessionID
	return true, sessionID
}

// Unlock releases element only if sessionID is the current holder. Releasing
// a lock the caller does not hold is a no-op, not an error: lock/unlock races
// are expected under concurrent editing.
func (r *Room) Unlock(element, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unlockLocked(element, sessionID)
}

func (r *Room) unlockLocked(element, sessionID string) bool {
	if holder, ok := r.locks[element]; !ok || holder != sessionID {
		return false
	}
	delete(r.locks, element)
	return true
}

// ReleaseAll releases every element locked by sessionID and returns the
// released element ids, one unlock broadcast per element being the caller's
// responsibility.
func (r *Room) ReleaseAll(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseAllLocked(sessionID)
}

func (r *Room) releaseAllLocked(sessionID string) []string {
	var released []string
	for element, holder := range r.locks {
		if holder == sessionID {
			delete(r.locks, element)
			released = append(released, element)
		}
	}
	return released
}

// LockHolder returns the current holder of element, if locked
func (r *Room) LockHolder(element string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	holder, ok := r.locks[element]
	return holder, ok
}

// canEditLocked reports whether sessionID may edit element: the element must
// be unlocked or locked by the session itself.
func (r *Room) canEditLocked(element, sessionID string) bool {
	holder, locked := r.locks[element]
	return !locked || holder == sessionID
}
