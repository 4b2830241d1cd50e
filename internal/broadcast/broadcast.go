package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Event types published around session lifecycle changes.
const (
	EventSessionStarted = "session_started"
	EventSessionStopped = "session_stopped"
)

// Event is a lifecycle notification. Delivery is at-least-once and
// best-effort; receivers must treat it as a hint to re-query session
// state, never as proof a claim did or did not land.
type Event struct {
	Type      string `json:"type"`
	CourseID  string `json:"course_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Method    string `json:"method,omitempty"`
}

// CourseChannel names the pub/sub channel for one course.
func CourseChannel(courseID string) string {
	return "course:" + courseID
}

// Broadcaster is the abstraction over different backends.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, evt Event) error
	// Subscribe delivers events for the channel until ctx is done.
	// The Redis backend treats channel as a glob pattern.
	Subscribe(ctx context.Context, channel string) (<-chan Event, error)
}

// InMemory is a minimal channel-backed broadcaster for dev/testing.
// Subscribe matches channels exactly; no pattern support.
type InMemory struct {
	mu   sync.Mutex
	subs map[string][]chan Event
}

// NewInMemory creates an in-process broadcaster.
func NewInMemory() *InMemory {
	return &InMemory{subs: make(map[string][]chan Event)}
}

// Publish fans the event out to current subscribers. Slow subscribers
// are skipped rather than blocking the publisher.
func (b *InMemory) Publish(ctx context.Context, channel string, evt Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

// Subscribe registers a buffered listener removed when ctx is done.
func (b *InMemory) Subscribe(ctx context.Context, channel string) (<-chan Event, error) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		listeners := b.subs[channel]
		for i, c := range listeners {
			if c == ch {
				b.subs[channel] = append(listeners[:i], listeners[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// Redis broadcasts over Redis pub/sub.
type Redis struct {
	client *redis.Client
}

// NewRedis builds a broadcaster on top of an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Publish sends the event as JSON. Fire-and-forget by contract; the
// caller decides whether a publish error is worth more than a log line.
func (b *Redis) Publish(ctx context.Context, channel string, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, payload).Err()
}

// Subscribe streams events matching the channel glob pattern.
func (b *Redis) Subscribe(ctx context.Context, channel string) (<-chan Event, error) {
	sub := b.client.PSubscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer sub.Close()
		in := sub.Channel()
		for {
			select {
			case msg, ok := <-in:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
