package monitor

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/banshee-data/ftsensor/internal/sensor"
)

// Broadcaster fans readings out to any number of subscribers. Publish never
// blocks: a subscriber that is not keeping up misses readings.
type Broadcaster struct {
	subscriberMu sync.Mutex
	subscribers  map[string]chan sensor.Reading
	bufferSize   int
	closed       bool
}

// NewBroadcaster creates a broadcaster whose subscriber channels buffer
// bufferSize readings.
func NewBroadcaster(bufferSize int) *Broadcaster {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Broadcaster{
		subscribers: make(map[string]chan sensor.Reading),
		bufferSize:  bufferSize,
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns an ID and a channel receiving readings. The channel is
// closed by Unsubscribe or Close.
func (b *Broadcaster) Subscribe() (string, <-chan sensor.Reading) {
	id := randomID()
	ch := make(chan sensor.Reading, b.bufferSize)
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Publish sends r to every subscriber with room for it.
func (b *Broadcaster) Publish(r sensor.Reading) {
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- r:
		default:
			// skip slow subscribers so the receive goroutine never blocks
		}
	}
}

// Subscribers returns the number of active subscribers.
func (b *Broadcaster) Subscribers() int {
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	return len(b.subscribers)
}

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (b *Broadcaster) Close() {
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
