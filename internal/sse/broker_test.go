package sse

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	ch := b.Subscribe("")
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
}

func TestPublishDelivery(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe("")
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: "character.cached", Data: map[string]string{"location": "c/m"}})

	select {
	case msg := <-ch:
		s := string(msg)
		if !strings.Contains(s, "event: character.cached") {
			t.Errorf("missing event type in %q", s)
		}
		if !strings.Contains(s, `"location":"c/m"`) {
			t.Errorf("missing data in %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestNotifyReachesOnlyItsTarget(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	mods := b.Subscribe("mods")
	other := b.Subscribe("logs")
	all := b.Subscribe("")

	if err := b.Notify(context.Background(), "mods", "new proposal"); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	for name, ch := range map[string]chan []byte{"mods": mods, "all": all} {
		select {
		case msg := <-ch:
			if !strings.Contains(string(msg), `"message":"new proposal"`) {
				t.Errorf("%s: unexpected payload %q", name, msg)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: timeout waiting for notice", name)
		}
	}
	select {
	case msg := <-other:
		t.Errorf("logs subscriber received %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishCacheEvent_RosterThrottle(t *testing.T) {
	b := NewBroker(500 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe("")
	defer b.Unsubscribe(ch)

	// First event should trigger roster.updated.
	b.PublishCacheEvent("cached", "c/a")
	// Second event immediately should NOT trigger another roster.updated.
	b.PublishCacheEvent("dropped", "c/b")

	// Drain and count events.
	time.Sleep(50 * time.Millisecond)
	rosterCount := 0
	charCount := 0
loop:
	for {
		select {
		case msg := <-ch:
			s := string(msg)
			if strings.Contains(s, "roster.updated") {
				rosterCount++
			} else {
				charCount++
			}
		default:
			break loop
		}
	}

	if charCount != 2 {
		t.Errorf("character events = %d, want 2", charCount)
	}
	if rosterCount != 1 {
		t.Errorf("roster events = %d, want 1 (throttled)", rosterCount)
	}
}

func TestSSEHandler(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/events?target=user:u1", nil)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	// Give handler time to subscribe.
	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client from handler")
	}

	_ = b.Notify(ctx, "user:u1", "your edit was cancelled")
	_ = b.Notify(ctx, "user:u2", "not for you")
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "your edit was cancelled") {
		t.Errorf("handler output missing notice: %q", body)
	}
	if strings.Contains(body, "not for you") {
		t.Errorf("handler output leaked another target: %q", body)
	}

	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 0 {
		t.Errorf("client not cleaned up after disconnect")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe("")
	defer b.Unsubscribe(ch)

	// Fill buffer (capacity 64) and then one more should not block.
	for i := 0; i < 70; i++ {
		b.Publish(Event{Type: "test", Data: map[string]string{"i": "x"}})
	}
}

func TestCloseClosesSubscribersAndStopsOperations(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	ch := b.Subscribe("")
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}

	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close")
	}

	// Should be safe no-op after close.
	b.Publish(Event{Type: "character.cached", Data: map[string]string{"location": "c/m"}})
	b.PublishCacheEvent("dropped", "c/m")
	if err := b.Notify(context.Background(), "mods", "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("Notify after close = %v, want ErrClosed", err)
	}
}
