package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type flakyLocator struct {
	mu    sync.Mutex
	fails int
	calls int
	last  map[string]models.Coord
}

func (f *flakyLocator) UpdateLocation(_ context.Context, id string, loc models.Coord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return errors.New("redis unavailable")
	}
	if f.last == nil {
		f.last = make(map[string]models.Coord)
	}
	f.last[id] = loc
	return nil
}

// scriptedReader replays messages then blocks until the context ends.
type scriptedReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *scriptedReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *scriptedReader) Close() error { return nil }

func (r *scriptedReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func ping(t *testing.T, id string, lat, lon float64, offset int64) kafka.Message {
	t.Helper()
	m, err := encodePing(models.LocationPing{DriverID: id, Loc: models.Coord{Lat: lat, Lon: lon}, At: time.Unix(1700000000, 0).UTC()})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	m.Offset = offset
	return m
}

func TestEncodePingKeysByDriver(t *testing.T) {
	m := ping(t, "d1", 12.9, 77.6, 0)
	if string(m.Key) != "d1" || m.Time.IsZero() {
		t.Fatalf("unexpected message %+v", m)
	}
	p, err := decodePing(m.Value)
	if err != nil || p.DriverID != "d1" || p.Loc.Lat != 12.9 {
		t.Fatalf("round trip failed: %+v %v", p, err)
	}
	if _, err := encodePing(models.LocationPing{}); !errors.Is(err, ErrInvalidPing) {
		t.Fatalf("expected ErrInvalidPing, got %v", err)
	}
}

func TestHandleRetriesUntilApplied(t *testing.T) {
	sink := &flakyLocator{fails: 2}
	c := NewConsumer(&scriptedReader{}, sink, nil)
	c.Delay = time.Millisecond
	if err := c.Handle(context.Background(), ping(t, "d1", 1, 2, 0)); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if sink.calls != 3 || sink.last["d1"] != (models.Coord{Lat: 1, Lon: 2}) {
		t.Fatalf("unexpected sink state calls=%d last=%v", sink.calls, sink.last)
	}
}

func TestHandleGivesUp(t *testing.T) {
	sink := &flakyLocator{fails: 10}
	c := NewConsumer(&scriptedReader{}, sink, nil)
	c.Delay = time.Millisecond
	if err := c.Handle(context.Background(), ping(t, "d1", 1, 2, 0)); err == nil {
		t.Fatalf("expected an error once attempts are exhausted")
	}
	if sink.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", sink.calls)
	}
}

func TestHandleRejectsBadPayloads(t *testing.T) {
	c := NewConsumer(&scriptedReader{}, &flakyLocator{}, nil)
	for _, raw := range []string{"not json", `{"driver_id":""}`, `{"driver_id":"d1","loc":{"lat":123,"lon":0}}`} {
		if err := c.Handle(context.Background(), kafka.Message{Value: []byte(raw)}); !errors.Is(err, ErrInvalidPing) {
			t.Errorf("%q: expected ErrInvalidPing, got %v", raw, err)
		}
	}
}

func TestRunCommitsEveryMessage(t *testing.T) {
	reader := &scriptedReader{msgs: []kafka.Message{
		ping(t, "d1", 1, 1, 1),
		{Value: []byte("garbage"), Offset: 2},
		ping(t, "d2", 2, 2, 3),
	}}
	sink := &flakyLocator{}
	c := NewConsumer(reader, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for reader.commits() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for commits, got %d", reader.commits())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.last) != 2 {
		t.Fatalf("expected both valid pings applied, got %v", sink.last)
	}
}
