package bus

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// natsURL returns the server used by integration tests. Tests skip when
// PROXIMITY_TEST_NATS_URL is unset or the server cannot be reached.
func natsURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("PROXIMITY_TEST_NATS_URL")
	if url == "" || testing.Short() {
		t.Skip("PROXIMITY_TEST_NATS_URL not set")
	}
	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.ConnectTimeout = 2 * time.Second
	cfg.MaxReconnects = 0
	b, err := NewNATSBus(cfg)
	if err != nil {
		t.Skipf("NATS not reachable at %s: %v", url, err)
	}
	_ = b.Close()
	return url
}

func connect(t *testing.T, name string) *NATSBus {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.URL = natsURL(t)
	cfg.Name = name
	b, err := NewNATSBus(cfg)
	if err != nil {
		t.Fatalf("NewNATSBus error: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// --- Unit Tests ---

func TestBuildNATSOptions(t *testing.T) {
	cfg := DefaultNATSConfig()
	if got := len(buildNATSOptions(cfg)); got != 3 {
		t.Errorf("default options = %d, want 3", got)
	}

	cfg.Name = "proximityd-001"
	cfg.Token = "t0ken"
	cfg.User, cfg.Password = "node", "secret"
	if got := len(buildNATSOptions(cfg)); got != 6 {
		t.Errorf("options = %d, want 6", got)
	}
}

func TestNATSSubscription_OfferDropsWhenFull(t *testing.T) {
	s := &natsSubscription{ch: make(chan *Message, 1)}
	if !s.offer(&Message{Subject: "proximity.001"}) {
		t.Fatal("first offer should be accepted")
	}
	if s.offer(&Message{Subject: "proximity.001"}) {
		t.Error("offer on a full buffer should drop")
	}

	<-s.ch
	s.closed = true
	if s.offer(&Message{Subject: "proximity.001"}) {
		t.Error("offer after close should drop")
	}
}

func TestNATSBus_InvalidURL(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.MaxReconnects = 0

	if _, err := NewNATSBus(cfg); err == nil {
		t.Error("expected error for unreachable server")
	}
}

// --- Integration Tests ---

func TestNATSBus_EventsLoadBalanceAcrossDispatchers(t *testing.T) {
	sweeper := connect(t, "sweeper")
	dispatcher := connect(t, "dispatcher")

	sub1, err := dispatcher.QueueSubscribe("proximity.001", "dispatchers")
	if err != nil {
		t.Fatalf("QueueSubscribe error: %v", err)
	}
	defer sub1.Unsubscribe()
	sub2, err := dispatcher.QueueSubscribe("proximity.001", "dispatchers")
	if err != nil {
		t.Fatalf("QueueSubscribe error: %v", err)
	}
	defer sub2.Unsubscribe()
	if err := dispatcher.Conn().Flush(); err != nil {
		t.Fatalf("Flush error: %v", err)
	}

	if err := sweeper.Publish("proximity.001", []byte(`{"peer_id":"002"}`)); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	received := 0
	timeout := time.After(time.Second)
wait:
	for {
		select {
		case <-sub1.Messages():
			received++
		case <-sub2.Messages():
			received++
		case <-timeout:
			break wait
		}
	}
	if received != 1 {
		t.Errorf("received = %d, want exactly one dispatcher to get the event", received)
	}
}

func TestNATSBus_CollectorRequest(t *testing.T) {
	node := connect(t, "node")
	collector := connect(t, "collector")

	sub, err := collector.Subscribe("telemetry.records")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()
	go func() {
		for msg := range sub.Messages() {
			if msg.Reply != "" {
				_ = collector.Publish(msg.Reply, []byte(`{"status":201}`))
			}
		}
	}()
	if err := collector.Conn().Flush(); err != nil {
		t.Fatalf("Flush error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := node.Request(ctx, "telemetry.records", []byte(`{"deviceId":"001"}`))
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if string(reply.Data) != `{"status":201}` {
		t.Errorf("reply = %s", reply.Data)
	}
}

func TestNATSBus_RequestWithoutCollector(t *testing.T) {
	node := connect(t, "node")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := node.Request(ctx, "telemetry.nobody", []byte("{}"))
	if !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrNoResponders) {
		t.Errorf("Request error = %v, want timeout or no responders", err)
	}
}

func TestNATSBus_ClosedBus(t *testing.T) {
	b := connect(t, "node")
	if err := b.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := b.Publish("proximity.001", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish error = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe("proximity.001"); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe error = %v, want ErrClosed", err)
	}
}
