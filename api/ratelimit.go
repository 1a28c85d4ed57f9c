package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// passwordRateLimiter tracks failed private key decryptions per subject and
// enforces exponential backoff. It guards every route that takes a key
// password, so a stored encrypted key cannot be brute-forced over HTTP.
type passwordRateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*attemptRecord
	now      func() time.Time
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

const (
	// maxFailures is the number of consecutive failures before lockout begins.
	maxFailures = 5
	// baseLockout is the initial lockout duration after maxFailures is reached.
	baseLockout = 1 * time.Minute
	// maxLockout caps the exponential backoff.
	maxLockout = 15 * time.Minute
	// attemptExpiry is how long after the last failure before the record is
	// garbage-collected.
	attemptExpiry = 1 * time.Hour
)

func newPasswordRateLimiter() *passwordRateLimiter {
	return &passwordRateLimiter{
		attempts: make(map[string]*attemptRecord),
		now:      time.Now,
	}
}

// check reports whether subjectID is locked out and for how long.
func (rl *passwordRateLimiter) check(subjectID string) (blocked bool, retryAfter time.Duration) {
	if rl == nil {
		return false, 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[subjectID]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(rl.attempts, subjectID)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// recordFailure increments the failure counter and applies exponential
// backoff once maxFailures is reached.
func (rl *passwordRateLimiter) recordFailure(subjectID string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[subjectID]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[subjectID] = rec
	}
	rec.failures++
	rec.lastFailure = rl.now()

	if rec.failures >= maxFailures {
		// baseLockout * 2^(failures - maxFailures), capped.
		lockout := baseLockout
		for i := 0; i < rec.failures-maxFailures; i++ {
			lockout *= 2
			if lockout > maxLockout {
				lockout = maxLockout
				break
			}
		}
		rec.lockedUntil = rec.lastFailure.Add(lockout)
	}
}

// recordSuccess resets the failure counter.
func (rl *passwordRateLimiter) recordSuccess(subjectID string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, subjectID)
}

// sweep removes expired records.
func (rl *passwordRateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for id, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > attemptExpiry {
			delete(rl.attempts, id)
		}
	}
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many failed password attempts; try again later")
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
