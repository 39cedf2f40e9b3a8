// Package memory keeps shard notifications in process. Messages are encoded the
// same way the Pub/Sub publisher encodes them, so tests see the bytes a subscriber
// would receive.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
)

// Message is one published notification.
type Message struct {
	ID    string
	Event string
	Data  []byte
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Publisher records notifications in publish order.
type Publisher struct {
	mu       sync.Mutex
	seq      int
	messages []Message
	err      error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes every later Publish return err. A nil err restores publishing.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish encodes payload as JSON and stores it under event.
func (p *Publisher) Publish(_ context.Context, event string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, Message{ID: id, Event: event, Data: data})
	return id, nil
}

// Messages returns a copy of what was published for event, or everything when
// event is empty.
func (p *Publisher) Messages(event string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, 0, len(p.messages))
	for _, m := range p.messages {
		if event == "" || m.Event == event {
			out = append(out, m)
		}
	}
	return out
}
