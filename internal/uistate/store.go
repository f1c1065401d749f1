// Package uistate holds the widget's visibility and conversation mode behind
// an explicit store. Consumers read and write through Store and never share
// the underlying fields.
package uistate

import "sync"

// Mode is which side currently answers the conversation.
type Mode string

const (
	ModeAssistant Mode = "assistant"
	ModeHuman     Mode = "human"
)

// State is a snapshot of the UI state.
type State struct {
	Open bool
	Mode Mode
}

// Store is the read/write contract for UI state.
type Store interface {
	State() State
	SetOpen(open bool)
	SetMode(mode Mode)
	// Subscribe registers fn for every change and returns a function that
	// removes it.
	Subscribe(fn func(State)) (unsubscribe func())
}

// Memory is an in-process Store.
type Memory struct {
	mu     sync.Mutex
	state  State
	subs   map[int]func(State)
	nextID int
}

var _ Store = (*Memory)(nil)

func NewMemory(initial State) *Memory {
	return &Memory{state: initial, subs: make(map[int]func(State))}
}

func (m *Memory) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Memory) SetOpen(open bool) {
	m.update(func(s *State) { s.Open = open })
}

func (m *Memory) SetMode(mode Mode) {
	m.update(func(s *State) { s.Mode = mode })
}

// update applies fn and notifies subscribers outside the lock, only when the
// state actually changed.
func (m *Memory) update(fn func(*State)) {
	m.mu.Lock()
	before := m.state
	fn(&m.state)
	after := m.state
	subs := make([]func(State), 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	if before == after {
		return
	}
	for _, s := range subs {
		s(after)
	}
}

func (m *Memory) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}
