// Package memory records notifications in memory.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/raid-snapshot/internal/publisher"
)

// Publisher stores published notifications for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []publisher.Notification
	err      error
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes every later Publish return err.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records the notification and returns a pseudo message ID.
func (p *Publisher) Publish(_ context.Context, n publisher.Notification) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, n)
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded notifications.
func (p *Publisher) Messages() []publisher.Notification {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]publisher.Notification, len(p.messages))
	copy(out, p.messages)
	return out
}
