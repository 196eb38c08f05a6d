package guard

import (
	"sync"
	"sync/atomic"
	"testing"

	perrors "github.com/vinayprograms/proximitykit/errors"
)

func TestBusy_TryAcquire(t *testing.T) {
	var b Busy

	if !b.TryAcquire() {
		t.Fatal("first TryAcquire should succeed")
	}
	if b.TryAcquire() {
		t.Error("second TryAcquire should fail while held")
	}
	if !b.Held() {
		t.Error("Held() should be true")
	}

	b.Release()
	if b.Held() {
		t.Error("Held() should be false after Release")
	}
	if !b.TryAcquire() {
		t.Error("TryAcquire should succeed after Release")
	}
}

func TestBusy_DoSkipsWhenHeld(t *testing.T) {
	var b Busy
	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan bool)

	go func() {
		done <- b.Do(func() {
			close(entered)
			<-release
		})
	}()
	<-entered

	ran := false
	if b.Do(func() { ran = true }) {
		t.Error("Do should report skipped while another call holds the slot")
	}
	if ran {
		t.Error("fn must not run when skipped")
	}

	close(release)
	if !<-done {
		t.Error("first Do should report it ran")
	}
	if b.Held() {
		t.Error("slot should be free after Do returns")
	}
}

func TestBusy_ConcurrentAtMostOne(t *testing.T) {
	var b Busy
	var active, maxActive atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Do(func() {
				n := active.Add(1)
				for {
					m := maxActive.Load()
					if n <= m || maxActive.CompareAndSwap(m, n) {
						break
					}
				}
				active.Add(-1)
			})
		}()
	}
	wg.Wait()

	if maxActive.Load() > 1 {
		t.Errorf("max concurrent = %d, want <= 1", maxActive.Load())
	}
}

func TestKeyed(t *testing.T) {
	k := NewKeyed[string]()

	if !k.TryAcquire("001|002|100") {
		t.Fatal("TryAcquire should succeed for a new key")
	}
	if k.TryAcquire("001|002|100") {
		t.Error("TryAcquire should fail for a held key")
	}
	if !k.TryAcquire("001|002|101") {
		t.Error("a different key should be independent")
	}
	if k.Len() != 2 {
		t.Errorf("Len = %d, want 2", k.Len())
	}

	k.Release("001|002|100")
	if k.Held("001|002|100") {
		t.Error("key should be free after Release")
	}
	if !k.TryAcquire("001|002|100") {
		t.Error("TryAcquire should succeed after Release")
	}
}

func TestRecover_ReportsThenResumesPanic(t *testing.T) {
	var got error
	var resumed interface{}

	func() {
		defer func() { resumed = recover() }()
		defer Recover(func(err error) { got = err })
		panic("sensor bus wedged")
	}()

	if resumed != "sensor bus wedged" {
		t.Fatalf("resumed panic = %v, want the original value", resumed)
	}
	if !perrors.Is(got, perrors.ErrCodePanic) {
		t.Fatalf("onPanic error = %v, want PANIC", got)
	}
	if got.Error() != "sensor bus wedged" {
		t.Errorf("Error() = %q", got.Error())
	}
	if perrors.As(got).Metadata()["stack"] == "" {
		t.Error("stack metadata missing")
	}
}

func TestRecover_NoPanic(t *testing.T) {
	called := false
	func() {
		defer Recover(func(error) { called = true })
	}()
	if called {
		t.Error("onPanic called without a panic")
	}
}

func TestRecover_NilHook(t *testing.T) {
	var resumed interface{}
	func() {
		defer func() { resumed = recover() }()
		defer Recover(nil)
		panic(7)
	}()
	if resumed != 7 {
		t.Errorf("resumed panic = %v, want 7", resumed)
	}
}
