package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// --- Unit Tests ---

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		subject string
		wantErr bool
	}{
		{"proximity", false},
		{"proximity.003", false},
		{"telemetry.records.003", false},
		{"", true},
		{"proximity..003", true},
		{"proximity.", true},
		{"proximity 003", true},
	}

	for _, tt := range tests {
		err := ValidateSubject(tt.subject)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSubject(%q) = %v, wantErr %v", tt.subject, err, tt.wantErr)
		}
	}
}

func TestMemoryBus_Publish(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	// Publish without subscribers should not error
	if err := bus.Publish("proximity.003", []byte("hello")); err != nil {
		t.Errorf("Publish error: %v", err)
	}
}

func TestMemoryBus_PublishInvalidSubject(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	if err := bus.Publish("", []byte("hello")); err != ErrInvalidSubject {
		t.Errorf("expected ErrInvalidSubject, got %v", err)
	}
}

// --- Integration Tests ---

func TestMemoryBus_Subscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, err := bus.Subscribe("proximity.003")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	bus.Publish("proximity.003", []byte("hello"))

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "hello" {
			t.Errorf("data = %q, want %q", msg.Data, "hello")
		}
		if msg.Subject != "proximity.003" {
			t.Errorf("subject = %q, want %q", msg.Subject, "proximity.003")
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub1, _ := bus.Subscribe("proximity.003")
	sub2, _ := bus.Subscribe("proximity.003")
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	bus.Publish("proximity.003", []byte("hello"))

	for i, sub := range []Subscription{sub1, sub2} {
		select {
		case msg := <-sub.Messages():
			if string(msg.Data) != "hello" {
				t.Errorf("sub%d: data = %q, want %q", i+1, msg.Data, "hello")
			}
		case <-time.After(time.Second):
			t.Errorf("sub%d: timeout", i+1)
		}
	}
}

func TestMemoryBus_QueueSubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	var subs []Subscription
	for i := 0; i < 3; i++ {
		sub, _ := bus.QueueSubscribe("proximity.003", "dispatchers")
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	for i := 0; i < 9; i++ {
		bus.Publish("proximity.003", []byte("event"))
	}

	var received [3]int32
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(idx int, s Subscription) {
			defer wg.Done()
			timeout := time.After(100 * time.Millisecond)
			for {
				select {
				case <-s.Messages():
					atomic.AddInt32(&received[idx], 1)
				case <-timeout:
					return
				}
			}
		}(i, sub)
	}
	wg.Wait()

	// Round-robin spreads the events evenly.
	for i, n := range received {
		if n != 3 {
			t.Errorf("member %d received %d, want 3 (distribution: %v)", i, n, received)
		}
	}
}

func TestMemoryBus_Request(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("telemetry.records")
	go func() {
		for msg := range sub.Messages() {
			if msg.Reply != "" {
				bus.Publish(msg.Reply, []byte(`{"status":200}`))
			}
		}
	}()
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := bus.Request(ctx, "telemetry.records", []byte("record"))
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if string(reply.Data) != `{"status":200}` {
		t.Errorf("reply = %q", reply.Data)
	}
}

func TestMemoryBus_RequestTimeout(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	// Subscriber that never answers
	sub, _ := bus.Subscribe("telemetry.records")
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := bus.Request(ctx, "telemetry.records", []byte("record"))
	if err != ErrTimeout {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestMemoryBus_RequestNoResponders(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	_, err := bus.Request(context.Background(), "telemetry.records", []byte("record"))
	if err != ErrNoResponders {
		t.Errorf("expected ErrNoResponders, got %v", err)
	}
}

// --- Failure Tests ---

func TestMemoryBus_PublishAfterClose(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	bus.Close()

	if err := bus.Publish("proximity.003", []byte("hello")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryBus_SubscribeAfterClose(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	bus.Close()

	if _, err := bus.Subscribe("proximity.003"); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := bus.QueueSubscribe("proximity.003", "dispatchers"); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("proximity.003")
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe error: %v", err)
	}

	if _, ok := <-sub.Messages(); ok {
		t.Error("expected channel to be closed after unsubscribe")
	}

	// Second unsubscribe is a no-op
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("second Unsubscribe error: %v", err)
	}
}

func TestMemoryBus_CloseClosesSubscriptions(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	sub, _ := bus.Subscribe("proximity.003")
	qsub, _ := bus.QueueSubscribe("proximity.003", "dispatchers")

	bus.Close()

	if _, ok := <-sub.Messages(); ok {
		t.Error("expected channel to be closed")
	}
	if _, ok := <-qsub.Messages(); ok {
		t.Error("expected queue channel to be closed")
	}
	// Unsubscribe after close must not panic
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe after close: %v", err)
	}
}

func TestMemoryBus_BufferFull(t *testing.T) {
	var drops atomic.Int32
	bus := NewMemoryBus(Config{
		BufferSize: 1,
		OnDrop:     func(string) { drops.Add(1) },
	})
	defer bus.Close()

	sub, _ := bus.Subscribe("proximity.003")

	bus.Publish("proximity.003", []byte("1"))
	bus.Publish("proximity.003", []byte("2")) // dropped

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "1" {
			t.Errorf("expected first message, got %q", msg.Data)
		}
	default:
		t.Error("expected at least one message")
	}

	select {
	case <-sub.Messages():
		t.Error("unexpected second message")
	default:
	}

	if bus.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", bus.Dropped())
	}
	if drops.Load() != 1 {
		t.Errorf("OnDrop calls = %d, want 1", drops.Load())
	}
}

// --- Performance Tests ---

func BenchmarkMemoryBus_Publish(b *testing.B) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("bench")
	go func() {
		for range sub.Messages() {
		}
	}()

	data := []byte("benchmark message")
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		bus.Publish("bench", data)
	}
}
