// Package batch memoises per-user computations for the lifetime of one logical
// operation. A Scope is created by the caller and passed explicitly; nothing is
// cached process-wide.
package batch

import (
	"strings"
	"sync"
)

// Ender is implemented by memoised values that need a hook when the outermost
// scope exits.
type Ender interface {
	EndBatch()
}

type Scope struct {
	mu      sync.Mutex
	depth   int
	entries map[string]any
}

func New() *Scope {
	return &Scope{entries: make(map[string]any)}
}

// Enter opens a (possibly nested) batch and returns the matching exit func.
// Only the outermost exit runs EndBatch hooks and drops the entries.
func (s *Scope) Enter() func() {
	s.mu.Lock()
	s.depth++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(s.exit)
	}
}

func (s *Scope) exit() {
	s.mu.Lock()
	s.depth--
	if s.depth > 0 {
		s.mu.Unlock()
		return
	}
	entries := s.entries
	s.entries = make(map[string]any)
	s.mu.Unlock()

	for _, value := range entries {
		if ender, ok := value.(Ender); ok {
			ender.EndBatch()
		}
	}
}

// Active reports whether at least one batch is open.
func (s *Scope) Active() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth > 0
}

// Invalidate drops every entry whose key starts with prefix. Used when an
// operation changes data a memoised value was derived from, e.g. a cart
// becoming paid mid-operation.
func (s *Scope) Invalidate(prefix string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
		}
	}
}

// UserKey namespaces a memo key by user so Invalidate(UserKey(id, "")) drops
// everything cached for that user.
func UserKey(userID string, name string) string {
	return "user:" + userID + "/" + name
}

// Memo returns the cached value for key, computing it with fn on a miss.
// Outside an open batch fn is always called and nothing is stored. Errors are
// never cached.
func Memo[T any](s *Scope, key string, fn func() (T, error)) (T, error) {
	if !s.Active() {
		return fn()
	}

	s.mu.Lock()
	if cached, ok := s.entries[key]; ok {
		s.mu.Unlock()
		return cached.(T), nil
	}
	s.mu.Unlock()

	value, err := fn()
	if err != nil {
		return value, err
	}

	s.mu.Lock()
	if s.depth > 0 {
		s.entries[key] = value
	}
	s.mu.Unlock()
	return value, nil
}
