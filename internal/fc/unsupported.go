package fc

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/mspconf/internal/msp"
)

// Unsupported remembers commands the connected firmware rejected so they
// are not retried until they succeed again or the connection is replaced.
type Unsupported struct {
	mu  sync.RWMutex
	set map[uint16]struct{}
}

// NewUnsupported returns an empty tracker.
func NewUnsupported() *Unsupported {
	return &Unsupported{set: make(map[uint16]struct{})}
}

func (u *Unsupported) IsUnsupported(code uint16) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.set[code]
	return ok
}

func (u *Unsupported) Mark(code uint16) {
	u.mu.Lock()
	_, had := u.set[code]
	u.set[code] = struct{}{}
	u.mu.Unlock()
	if !had {
		log.Printf("[msp] %s marked unsupported", msp.CommandName(code))
	}
}

func (u *Unsupported) Clear(code uint16) {
	u.mu.Lock()
	_, had := u.set[code]
	delete(u.set, code)
	u.mu.Unlock()
	if had {
		log.Printf("[msp] %s supported again", msp.CommandName(code))
	}
}

func (u *Unsupported) Reset() {
	u.mu.Lock()
	u.set = make(map[uint16]struct{})
	u.mu.Unlock()
}

// List returns the marked commands in ascending order.
func (u *Unsupported) List() []uint16 {
	u.mu.RLock()
	out := make([]uint16, 0, len(u.set))
	for c := range u.set {
		out = append(out, c)
	}
	u.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
