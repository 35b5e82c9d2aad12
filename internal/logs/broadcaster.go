package logs

import (
	"sync"
	"time"
)

const subscriberSlack = 256

// Line is one sequenced log record kept in the replay buffer.
type Line struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// Subscriber is one live log connection. It holds only a delivery channel;
// the broadcaster never blocks on it.
type Subscriber struct {
	ch chan string

	mu      sync.Mutex
	dropped int64
}

// Lines returns the delivery channel. It is closed on detach.
func (s *Subscriber) Lines() <-chan string {
	return s.ch
}

// Dropped reports how many lines this subscriber missed because its
// buffer was full.
func (s *Subscriber) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Broadcaster fans log lines out to any number of subscribers and keeps a
// bounded replay buffer so late joiners see prior output. Publish never
// blocks the producer: a subscriber that cannot keep up loses lines
// independently of the others.
type Broadcaster struct {
	mu       sync.Mutex
	maxLines int
	nextSeq  int64
	lines    []Line
	subs     map[*Subscriber]struct{}
}

// NewBroadcaster creates a broadcaster with a bounded replay buffer.
func NewBroadcaster(maxLines int) *Broadcaster {
	if maxLines <= 0 {
		maxLines = 1000
	}

	return &Broadcaster{
		maxLines: maxLines,
		lines:    make([]Line, 0, maxLines),
		subs:     make(map[*Subscriber]struct{}),
	}
}

// Publish appends one line to the replay buffer and delivers it to every
// attached subscriber, dropping per subscriber when a buffer is full.
func (b *Broadcaster) Publish(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	b.lines = append(b.lines, Line{
		Seq:       b.nextSeq,
		Timestamp: time.Now().UTC(),
		Text:      text,
	})
	if len(b.lines) > b.maxLines {
		trim := len(b.lines) - b.maxLines
		b.lines = append([]Line(nil), b.lines[trim:]...)
	}

	for sub := range b.subs {
		select {
		case sub.ch <- text:
		default:
			sub.mu.Lock()
			sub.dropped++
			sub.mu.Unlock()
		}
	}
}

// Attach registers a new subscriber whose channel already contains the
// buffered backlog, in original order, ahead of any live line.
func (b *Broadcaster) Attach() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		// Backlog always fits: capacity covers a full replay buffer plus
		// slack for live lines.
		ch: make(chan string, b.maxLines+subscriberSlack),
	}
	for _, line := range b.lines {
		sub.ch <- line.Text
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Detach deregisters a subscriber and closes its channel. Idempotent.
func (b *Broadcaster) Detach(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// History returns a copy of the buffered lines for post-mortem reads.
func (b *Broadcaster) History() []Line {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Line(nil), b.lines...)
}

// SubscriberCount reports how many live subscribers are attached.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
