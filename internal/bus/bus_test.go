package bus

import (
	"testing"

	"github.com/infodancer/imaproxy/internal/imap"
)

func TestOnFiresInRegistrationOrder(t *testing.T) {
	b := New(nil)
	var order []int
	b.On("LIST", func(ev *Event) { order = append(order, 1) })
	b.On("LIST", func(ev *Event) { order = append(order, 2) })
	b.On("LIST", func(ev *Event) { order = append(order, 3) })

	b.Emit("LIST", &Event{})

	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %d, want %d", i, order[i], want[i])
		}
	}
}

func TestOnceRemovedAfterFirstInvocation(t *testing.T) {
	b := New(nil)
	count := 0
	b.Once("CAPABILITY", func(ev *Event) { count++ })

	b.Emit("CAPABILITY", &Event{})
	b.Emit("CAPABILITY", &Event{})

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestOffRemovesOnlyTargetedSubscription(t *testing.T) {
	b := New(nil)
	var fired []string
	sub1 := b.On("LOGOUT", func(ev *Event) { fired = append(fired, "one") })
	b.On("LOGOUT", func(ev *Event) { fired = append(fired, "two") })

	b.Off(sub1)
	b.Emit("LOGOUT", &Event{})

	if len(fired) != 1 || fired[0] != "two" {
		t.Errorf("fired = %v, want [two]", fired)
	}
}

func TestOffAllRemovesEveryListenerForName(t *testing.T) {
	b := New(nil)
	fired := false
	b.On("LIST", func(ev *Event) { fired = true })
	b.On("LIST", func(ev *Event) { fired = true })

	b.OffAll("LIST")
	b.Emit("LIST", &Event{})

	if fired {
		t.Error("expected no listeners to fire after OffAll")
	}
	if b.HasListeners("LIST") {
		t.Error("HasListeners should report false after OffAll")
	}
}

func TestHasListeners(t *testing.T) {
	b := New(nil)
	if b.HasListeners("LIST") {
		t.Error("expected no listeners initially")
	}
	b.On("LIST", func(ev *Event) {})
	if !b.HasListeners("LIST") {
		t.Error("expected HasListeners true after On")
	}
}

func TestEmitWithNoListenersIsNoop(t *testing.T) {
	b := New(nil)
	b.Emit("NOTHING", &Event{}) // must not panic
}

func TestListenerPanicIsRecoveredAndDoesNotStopChain(t *testing.T) {
	b := New(nil)
	secondRan := false
	b.On("LIST", func(ev *Event) { panic("boom") })
	b.On("LIST", func(ev *Event) { secondRan = true })

	b.Emit("LIST", &Event{})

	if !secondRan {
		t.Error("a panicking listener should not prevent later listeners from running")
	}
}

func TestMutationsToEventArePropagatedAcrossListeners(t *testing.T) {
	b := New(nil)
	b.On("LIST", func(ev *Event) { ev.Write = false })
	b.On("LIST", func(ev *Event) {
		if ev.Write {
			t.Error("second listener should observe the first listener's mutation")
		}
	})
	b.Emit("LIST", &Event{CommandDescriptor: imap.CommandDescriptor{Write: true}})
}

func TestOffDuringEmitDoesNotCorruptIteration(t *testing.T) {
	b := New(nil)
	var sub Subscription
	ran := []string{}
	sub = b.On("LIST", func(ev *Event) {
		ran = append(ran, "first")
		b.Off(sub)
	})
	b.On("LIST", func(ev *Event) { ran = append(ran, "second") })

	b.Emit("LIST", &Event{})
	if len(ran) != 2 {
		t.Fatalf("ran = %v, want both listeners to fire on the in-flight snapshot", ran)
	}

	ran = nil
	b.Emit("LIST", &Event{})
	if len(ran) != 1 || ran[0] != "second" {
		t.Errorf("ran = %v, want only [second] after Off took effect", ran)
	}
}
