// Package locker provides an HTTP middleware which allows an HTTPHandler to be locked, returning 423 (locked)
package locker

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/nasa-jpl/ecrig/generichttp"
)

// Inject adds a lock route to a generichttp.HTTPer which is used to manipulate the locker
func Inject(other generichttp.HTTPer, l *Locker) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}

// lock states
const (
	unlocked int32 = iota
	locked
	held
)

// Locker is a type which behaves like a sync.Mutex without the blocking,
// and holds a list of paths to not protect.  A lock taken with Lock can be
// released by anyone; a hold taken with TryHold only by Release.
type Locker struct {
	state int32

	// DoNotProtect is a list of path fragments the lock is not applied to
	DoNotProtect []string
}

// New returns a new Locker with DoNotProtect prepopulated with "lock"
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock"}}
}

// Lock the locker.  It does nothing if the locker is held.
func (l *Locker) Lock() {
	atomic.CompareAndSwapInt32(&l.state, unlocked, locked)
}

// TryLock locks the locker if it is not already, reporting if it did
func (l *Locker) TryLock() bool {
	return atomic.CompareAndSwapInt32(&l.state, unlocked, locked)
}

// Unlock the locker, reporting false if it is held
func (l *Locker) Unlock() bool {
	if atomic.CompareAndSwapInt32(&l.state, locked, unlocked) {
		return true
	}
	return atomic.LoadInt32(&l.state) == unlocked
}

// TryHold takes the locker for an owner which must call Release, reporting
// if it did
func (l *Locker) TryHold() bool {
	return atomic.CompareAndSwapInt32(&l.state, unlocked, held)
}

// Release ends a hold
func (l *Locker) Release() {
	atomic.CompareAndSwapInt32(&l.state, held, unlocked)
}

// Locked returns true if the locker is locked or held
func (l *Locker) Locked() bool {
	return atomic.LoadInt32(&l.state) != unlocked
}

// Held returns true if the locker is held
func (l *Locker) Held() bool {
	return atomic.LoadInt32(&l.state) == held
}

// Check is an HTTP middleware that returns http.StatusLocked if Locked() is true, otherwise passes down the line
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() && r.Method != http.MethodGet {
			protected := true
			for _, str := range l.DoNotProtect {
				if strings.Contains(r.URL.Path, str) {
					protected = false
				}
			}
			if protected {
				w.WriteHeader(http.StatusLocked)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPSet calls Lock or Unlock based on json:bool on the request body.
// Unlocking a held locker is refused with 409 (conflict).
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Bool {
		l.Lock()
	} else if !l.Unlock() {
		http.Error(w, "locked by a running procedure; stop it instead", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns Locked() over HTTP as JSON
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Bool, Bool: l.Locked()}
	hp.EncodeAndRespond(w, r)
}
