// Package lifecycle abstracts the host environment signals a realtime client
// reacts to: network reachability and foreground/background visibility.
package lifecycle

import "sync"

// Signal is a host lifecycle notification.
type Signal int

const (
	Online Signal = iota
	Offline
	Foreground
	Background
)

func (s Signal) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	case Foreground:
		return "foreground"
	case Background:
		return "background"
	default:
		return "unknown"
	}
}

// ParseSignal converts a signal name back to a Signal.
func ParseSignal(name string) (Signal, bool) {
	for _, s := range []Signal{Online, Offline, Foreground, Background} {
		if s.String() == name {
			return s, true
		}
	}
	return 0, false
}

// Source delivers signals to registered callbacks. Register returns the
// matching unregister function.
type Source interface {
	Register(fn func(Signal)) (unregister func())
}

// Nop never emits anything.
type Nop struct{}

func (Nop) Register(func(Signal)) func() { return func() {} }

// Manual emits signals on demand. The control API and tests drive it.
type Manual struct {
	mu   sync.Mutex
	fns  map[int]func(Signal)
	next int
}

// NewManual returns an empty Manual source.
func NewManual() *Manual {
	return &Manual{fns: make(map[int]func(Signal))}
}

func (m *Manual) Register(fn func(Signal)) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	m.fns[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.fns, id)
		m.mu.Unlock()
	}
}

// Emit calls every registered callback synchronously.
func (m *Manual) Emit(s Signal) {
	m.mu.Lock()
	fns := make([]func(Signal), 0, len(m.fns))
	for _, fn := range m.fns {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Registered returns the number of live registrations.
func (m *Manual) Registered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fns)
}
