// Package sse delivers notifications to subscribers over Server-Sent Events.
// The broker is the notification collaborator: moderators, requesters, guild
// log channels and the operator each subscribe to their own target.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Notifier sends a plain-text message to a target (a channel id, "user:<id>"
// or the operator target).
type Notifier interface {
	Notify(ctx context.Context, target, message string) error
}

// ErrClosed is returned by Notify once the broker has stopped.
var ErrClosed = errors.New("sse: broker closed")

// Event represents an SSE event. An empty Target reaches every subscriber.
type Event struct {
	Type   string `json:"type"`
	Target string `json:"target,omitempty"`
	Data   any    `json:"data"`
}

// Notice is the payload of a "notify" event.
type Notice struct {
	Target  string    `json:"target"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type cacheEventReq struct {
	kind     string
	location string
}

type subscription struct {
	ch     chan []byte
	target string
}

// Broker manages SSE client connections and broadcasts events.
//
// Concurrency model: a single internal event loop (goroutine) owns mutable state
// (clients + roster throttle timestamp). Public methods communicate with this loop
// through channels, so no mutexes are required.
type Broker struct {
	rosterMin time.Duration

	subscribeCh   chan subscription
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	cacheEventCh  chan cacheEventReq
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

var _ Notifier = (*Broker)(nil)

// NewBroker creates a new SSE broker with the given roster throttle interval.
func NewBroker(rosterThrottle time.Duration) *Broker {
	if rosterThrottle <= 0 {
		rosterThrottle = 2 * time.Second
	}

	b := &Broker{
		rosterMin:     rosterThrottle,
		subscribeCh:   make(chan subscription),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		cacheEventCh:  make(chan cacheEventReq, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]string)
	var lastRoster time.Time

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		raw := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload))

		for ch, target := range clients {
			if event.Target != "" && target != "" && target != event.Target {
				continue
			}
			select {
			case ch <- raw:
			default:
				// Client buffer full; skip to avoid blocking broker loop.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case sub := <-b.subscribeCh:
			clients[sub.ch] = sub.target

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case req := <-b.cacheEventCh:
			data := map[string]string{"location": req.location}
			switch req.kind {
			case "cached":
				broadcast(Event{Type: "character.cached", Data: data})
			case "dropped":
				broadcast(Event{Type: "character.dropped", Data: data})
			}

			now := time.Now()
			if now.Sub(lastRoster) >= b.rosterMin {
				lastRoster = now
				broadcast(Event{Type: "roster.updated", Data: map[string]string{}})
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a client listening to target ("" for every event) and
// returns its channel.
func (b *Broker) Subscribe(target string) chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- subscription{ch: ch, target: target}:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to the matching clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// Notify publishes a "notify" event for target.
func (b *Broker) Notify(ctx context.Context, target, message string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	ev := Event{
		Type:   "notify",
		Target: target,
		Data:   Notice{Target: target, Message: message, At: time.Now().UTC()},
	}
	select {
	case b.publishCh <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopped:
		return ErrClosed
	}
}

// PublishCacheEvent publishes a character cache change and a throttled
// roster.updated event.
func (b *Broker) PublishCacheEvent(kind, location string) {
	if b.closed.Load() {
		return
	}
	select {
	case b.cacheEventCh <- cacheEventReq{kind: kind, location: location}:
	case <-b.stopped:
	}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events?target=...).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe(r.URL.Query().Get("target"))
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
