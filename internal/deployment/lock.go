package deployment

import "sync"

// LockManager hands out one in-process lock per deployment id. A held lock
// means a deploy, wake or rollback run owns the deployment.
//
// The outer mutex only guards the map; each deployment has its own mutex,
// so runs on different deployments never contend.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockManager creates a new lock manager
func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// TryLock acquires the lock for deploymentID without blocking. It returns
// false if a run already holds it.
func (lm *LockManager) TryLock(deploymentID string) bool {
	lm.mu.Lock()
	lock, exists := lm.locks[deploymentID]
	if !exists {
		lock = &sync.Mutex{}
		lm.locks[deploymentID] = lock
	}
	lm.mu.Unlock()

	return lock.TryLock()
}

// Unlock releases the lock for deploymentID. Unknown ids are a no-op.
func (lm *LockManager) Unlock(deploymentID string) {
	lm.mu.Lock()
	lock := lm.locks[deploymentID]
	lm.mu.Unlock()

	if lock != nil {
		lock.Unlock()
	}
}

// Held reports whether a run currently owns deploymentID.
func (lm *LockManager) Held(deploymentID string) bool {
	if !lm.TryLock(deploymentID) {
		return true
	}
	lm.Unlock(deploymentID)
	return false
}
