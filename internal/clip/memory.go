package clip

import (
	"fmt"
	"slices"
	"sync"

	"go.klb.dev/clipvm/internal/message"
)

var _ Backend = (*Memory)(nil)

// Memory is an in-process clipboard. Every Write and Set bumps the change
// token the way a desktop clipboard does.
type Memory struct {
	name      string
	supported []message.ContentType

	mu      sync.Mutex
	content *message.Content
	token   int64
	writes  int
}

// NewMemory returns an empty in-memory clipboard. If types is non-empty,
// Write rejects any other content type with ErrUnsupported.
func NewMemory(types ...message.ContentType) *Memory {
	return &Memory{name: "memory", supported: types}
}

// NewHeadless is the no-display fallback used by New.
func NewHeadless() *Memory {
	m := NewMemory()
	m.name = "headless (in-memory)"
	return m
}

func (m *Memory) Name() string { return m.name }
func (m *Memory) Close()       {}

func (m *Memory) Read() (*message.Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.content == nil {
		return nil, nil
	}
	c := *m.content
	c.Data = slices.Clone(c.Data)
	c.ChangeToken = m.token
	return &c, nil
}

func (m *Memory) Write(c message.Content) error {
	if len(m.supported) > 0 && !slices.Contains(m.supported, c.Type) {
		return fmt.Errorf("%w: %s", ErrUnsupported, c.Type)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(c)
	m.writes++
	return nil
}

// Set places c on the clipboard as if the user had copied it.
func (m *Memory) Set(c message.Content) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(c)
}

// Writes returns how many times Write has succeeded.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *Memory) ChangeToken() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

func (m *Memory) store(c message.Content) {
	c.Data = slices.Clone(c.Data)
	m.content = &c
	m.token++
}
