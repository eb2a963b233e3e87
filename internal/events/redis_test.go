package events

import (
	"encoding/json"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/user/flowq/internal/store"
)

func TestStreamValuesRoundTrip(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_123).UTC()
	in := store.JobEvent{
		Type:        store.JobEventCompleted,
		Queue:       "mail",
		JobID:       "42",
		State:       store.StateCompleted,
		ReturnValue: json.RawMessage(`{"ok":true}`),
		At:          at,
	}
	out, err := DecodeStreamValues(streamValues(in))
	if err != nil {
		t.Fatalf("DecodeStreamValues: %v", err)
	}
	if out.Type != in.Type || out.Queue != in.Queue || out.JobID != in.JobID || out.State != in.State {
		t.Fatalf("decoded = %+v, want %+v", out, in)
	}
	if string(out.ReturnValue) != `{"ok":true}` || !out.At.Equal(at) {
		t.Fatalf("decoded payload = %s at %v", out.ReturnValue, out.At)
	}
	if _, err := DecodeStreamValues(map[string]any{"queue": "q"}); err == nil {
		t.Fatal("expected error for entry without type")
	}
}

func TestRedisPublisherUnreachableDoesNotBlock(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	p := newRedisPublisher(client, RedisConfig{Buffer: 2}, testLogger())
	if p.StreamKey("mail") != "flowq:events:mail" {
		t.Fatalf("stream key = %s", p.StreamKey("mail"))
	}

	for i := 0; i < 10; i++ {
		p.Publish(store.JobEvent{Type: store.JobEventAdded, Queue: "mail"})
	}
	done := make(chan error, 1)
	go func() { done <- p.Close() }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Close blocked")
	}
	written, dropped := p.Stats()
	if written != 0 || dropped != 10 {
		t.Fatalf("written=%d dropped=%d, want 0 and 10", written, dropped)
	}
	p.Publish(store.JobEvent{Type: store.JobEventAdded, Queue: "mail"})
	if _, dropped = p.Stats(); dropped != 11 {
		t.Fatalf("publish after close not dropped: %d", dropped)
	}
}

func TestNewRedisPublisherRejectsBadURL(t *testing.T) {
	if _, err := NewRedisPublisher(RedisConfig{URL: "http://nope"}, nil); err == nil {
		t.Fatal("expected error for non-redis url")
	}
}
