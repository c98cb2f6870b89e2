package events

import (
	"reflect"
	"sync"
	"testing"
)

func TestOnEmitOrder(t *testing.T) {
	e := NewEmitter(0)
	var calls []string
	e.On("x", func(args ...any) { calls = append(calls, "first") })
	e.On("x", func(args ...any) { calls = append(calls, "second:"+args[0].(string)) })

	if n := e.Emit("x", "arg"); n != 2 {
		t.Errorf("Emit ran %d handlers, want 2", n)
	}
	want := []string{"first", "second:arg"}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
	if n := e.Emit("unknown"); n != 0 {
		t.Errorf("Emit on unknown name ran %d handlers", n)
	}
}

func TestOff(t *testing.T) {
	e := NewEmitter(0)
	count := 0
	sub := e.On("x", func(...any) { count++ })
	e.On("x", func(...any) { count += 10 })

	if !e.Off("x", sub) {
		t.Fatal("Off returned false")
	}
	if e.Off("x", sub) {
		t.Error("second Off returned true")
	}
	e.Emit("x")
	if count != 10 {
		t.Errorf("count = %d, want 10", count)
	}
}

func TestHandlerMayUnsubscribeDuringEmit(t *testing.T) {
	e := NewEmitter(0)
	var sub Subscription
	runs := 0
	sub = e.On("once", func(...any) {
		runs++
		e.Off("once", sub)
	})
	e.Emit("once")
	e.Emit("once")
	if runs != 1 {
		t.Errorf("runs = %d, want 1", runs)
	}
}

func TestBacklogDrain(t *testing.T) {
	e := NewEmitter(0)
	var got []any
	e.On("store", func(args ...any) { got = append(got, args[0]) })

	e.Buffer("trace", "store", 1)
	e.Buffer("trace", "store", 2)
	if len(got) != 0 {
		t.Fatal("buffered events emitted before drain")
	}
	if e.Pending("trace") != 2 {
		t.Errorf("pending = %d", e.Pending("trace"))
	}

	if n := e.Drain("trace"); n != 2 {
		t.Errorf("drained %d, want 2", n)
	}
	e.Buffer("trace", "store", 3)

	if !reflect.DeepEqual(got, []any{1, 2, 3}) {
		t.Errorf("got %v", got)
	}
	if n := e.Drain("trace"); n != 0 {
		t.Errorf("second drain replayed %d", n)
	}
}

func TestBufferDuringDrainQueuesBehindBacklog(t *testing.T) {
	e := NewEmitter(0)
	var (
		mu  sync.Mutex
		got []any
	)
	e.On("store", func(args ...any) {
		mu.Lock()
		got = append(got, args[0])
		mu.Unlock()
		if args[0] == 1 {
			// A producer on another goroutine buffers while the replay runs.
			done := make(chan struct{})
			go func() {
				e.Buffer("trace", "store", 3)
				close(done)
			}()
			<-done
		}
	})

	e.Buffer("trace", "store", 1)
	e.Buffer("trace", "store", 2)
	if n := e.Drain("trace"); n != 3 {
		t.Errorf("drained %d, want 3", n)
	}
	e.Buffer("trace", "store", 4)

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(got, []any{1, 2, 3, 4}) {
		t.Errorf("got %v, want backlog order preserved", got)
	}
	if e.Pending("trace") != 0 {
		t.Errorf("pending = %d after drain", e.Pending("trace"))
	}
}

func TestDiscardDuringDrainStopsReplay(t *testing.T) {
	e := NewEmitter(0)
	var got []any
	e.On("store", func(args ...any) {
		got = append(got, args[0])
		if args[0] == 1 {
			e.Buffer("trace", "store", 3)
			e.Discard("trace")
		}
	})

	e.Buffer("trace", "store", 1)
	e.Buffer("trace", "store", 2)
	e.Drain("trace")
	e.Buffer("trace", "store", 4)

	if !reflect.DeepEqual(got, []any{1, 2}) {
		t.Errorf("got %v", got)
	}
}

func TestBacklogDiscardAndLimit(t *testing.T) {
	e := NewEmitter(2)
	emitted := 0
	e.On("ev", func(...any) { emitted++ })

	e.Buffer("blocked", "ev")
	e.Discard("blocked")
	e.Buffer("blocked", "ev")
	if e.Drain("blocked") != 0 || emitted != 0 {
		t.Error("discarded group emitted events")
	}

	for i := 0; i < 5; i++ {
		e.Buffer("small", "ev")
	}
	if e.Pending("small") != 2 {
		t.Errorf("pending = %d, want 2", e.Pending("small"))
	}
}
