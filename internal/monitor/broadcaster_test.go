package monitor

import (
	"testing"

	"github.com/banshee-data/ftsensor/internal/sensor"
)

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(2)
	id1, c1 := b.Subscribe()
	_, c2 := b.Subscribe()
	if id1 == "" || b.Subscribers() != 2 {
		t.Fatalf("subscribers = %d", b.Subscribers())
	}

	b.Publish(sensor.Reading{Sequence: 1})
	if r := <-c1; r.Sequence != 1 {
		t.Errorf("c1 got %d", r.Sequence)
	}
	if r := <-c2; r.Sequence != 1 {
		t.Errorf("c2 got %d", r.Sequence)
	}

	b.Unsubscribe(id1)
	if _, ok := <-c1; ok {
		t.Error("c1 should be closed after Unsubscribe")
	}
	b.Unsubscribe(id1) // no-op
	if b.Subscribers() != 1 {
		t.Errorf("subscribers = %d", b.Subscribers())
	}
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(1)
	_, c := b.Subscribe()
	for i := 0; i < 100; i++ {
		b.Publish(sensor.Reading{Sequence: uint32(i)})
	}
	if r := <-c; r.Sequence != 0 {
		t.Errorf("expected the first reading to be kept, got %d", r.Sequence)
	}
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(1)
	_, c := b.Subscribe()
	b.Close()
	if _, ok := <-c; ok {
		t.Error("channel should be closed")
	}
	_, late := b.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscription after Close should be closed")
	}
	b.Publish(sensor.Reading{})
}
