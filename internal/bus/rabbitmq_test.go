package bus

import (
	"context"
	"errors"
	"testing"
)

func TestRoutingKey(t *testing.T) {
	if got := RoutingKey("accepted"); got != "ride.accepted" {
		t.Fatalf("RoutingKey = %q", got)
	}
}

func TestPublishWithoutChannel(t *testing.T) {
	p := &Publisher{exchange: "rides", done: make(chan struct{})}
	err := p.Publish(context.Background(), RoutingKey("completed"), map[string]string{"ride_id": "r1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
