// Package relay implements the client side of the broadcast transport:
// publishing signed envelopes, subscribing to filters, and bounded
// fetches across multiple relays.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/enclaved-org/enclaved/wire"
)

const (
	dialTimeout      = 10 * time.Second
	writeTimeout     = 10 * time.Second
	publishTimeout   = 10 * time.Second
	reconnectBackoff = time.Second
)

// Handler receives envelopes matching a subscription.
type Handler func(env *wire.Envelope)

type subscription struct {
	filter  *wire.Filter
	handler Handler
	eose    chan struct{}
	batch   []*wire.Envelope
	fetch   bool
}

// Relay is a client connection to one relay. It reconnects on failure
// and replays active subscriptions.
type Relay struct {
	URL string

	log *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string]*subscription
	pending map[string]chan error // publish acks by envelope id
	closed  bool
}

// New connects to a relay in the background; operations before the
// connection is up fail or block on their own timeouts.
func New(url string, log *slog.Logger) *Relay {
	r := &Relay{
		URL:     url,
		log:     log.With("relay", url),
		subs:    make(map[string]*subscription),
		pending: make(map[string]chan error),
	}
	go r.run()
	return r
}

func (r *Relay) run() {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		if err := r.connect(); err != nil {
			r.log.Debug("relay connect failed", "err", err)
			time.Sleep(reconnectBackoff)
			continue
		}

		r.readLoop()
		time.Sleep(reconnectBackoff)
	}
}

func (r *Relay) connect() error {
	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(r.URL, nil)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.conn = conn
	// replay live subscriptions on the fresh connection
	for id, sub := range r.subs {
		if sub.fetch {
			continue
		}
		_ = r.writeLocked([]any{"REQ", id, sub.filter})
	}
	r.mu.Unlock()

	r.log.Debug("relay connected")
	return nil
}

func (r *Relay) readLoop() {
	for {
		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			r.log.Debug("relay read failed", "err", err)
			r.dropConn(conn)
			return
		}
		r.dispatch(data)
	}
}

func (r *Relay) dropConn(conn *websocket.Conn) {
	conn.Close()
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.mu.Unlock()
}

func (r *Relay) dispatch(data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
		return
	}

	var typ string
	if err := json.Unmarshal(frame[0], &typ); err != nil {
		return
	}

	switch typ {
	case "EVENT":
		if len(frame) < 3 {
			return
		}
		var subID string
		if err := json.Unmarshal(frame[1], &subID); err != nil {
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(frame[2], &env); err != nil {
			return
		}
		if err := wire.Verify(&env); err != nil {
			r.log.Debug("dropping envelope with bad signature", "id", env.ID)
			return
		}

		r.mu.Lock()
		sub := r.subs[subID]
		if sub != nil && sub.fetch {
			sub.batch = append(sub.batch, &env)
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		if sub != nil && sub.filter.Matches(&env) {
			sub.handler(&env)
		}

	case "EOSE":
		var subID string
		if err := json.Unmarshal(frame[1], &subID); err != nil {
			return
		}
		r.mu.Lock()
		sub := r.subs[subID]
		r.mu.Unlock()
		if sub != nil && sub.eose != nil {
			select {
			case sub.eose <- struct{}{}:
			default:
			}
		}

	case "OK":
		if len(frame) < 3 {
			return
		}
		var id string
		var accepted bool
		if err := json.Unmarshal(frame[1], &id); err != nil {
			return
		}
		_ = json.Unmarshal(frame[2], &accepted)
		reason := ""
		if len(frame) > 3 {
			_ = json.Unmarshal(frame[3], &reason)
		}

		r.mu.Lock()
		ch := r.pending[id]
		delete(r.pending, id)
		r.mu.Unlock()
		if ch != nil {
			if accepted {
				ch <- nil
			} else {
				ch <- fmt.Errorf("relay rejected envelope: %s", reason)
			}
		}
	}
}

func (r *Relay) writeLocked(frame []any) error {
	if r.conn == nil {
		return errors.New("relay not connected")
	}
	r.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return r.conn.WriteJSON(frame)
}

// Publish sends an envelope and waits for the relay acknowledgement.
func (r *Relay) Publish(ctx context.Context, env *wire.Envelope) error {
	ack := make(chan error, 1)

	r.mu.Lock()
	r.pending[env.ID] = ack
	err := r.writeLocked([]any{"EVENT", env})
	r.mu.Unlock()
	if err != nil {
		r.mu.Lock()
		delete(r.pending, env.ID)
		r.mu.Unlock()
		return err
	}

	select {
	case err := <-ack:
		return err
	case <-time.After(publishTimeout):
		r.mu.Lock()
		delete(r.pending, env.ID)
		r.mu.Unlock()
		return errors.New("publish timed out")
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, env.ID)
		r.mu.Unlock()
		return ctx.Err()
	}
}

// Subscribe registers a live subscription. The returned func cancels
// it.
func (r *Relay) Subscribe(filter *wire.Filter, handler Handler) func() {
	id := uuid.NewString()
	sub := &subscription{filter: filter, handler: handler}

	r.mu.Lock()
	r.subs[id] = sub
	_ = r.writeLocked([]any{"REQ", id, filter})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		_ = r.writeLocked([]any{"CLOSE", id})
		r.mu.Unlock()
	}
}

// Fetch collects stored envelopes matching the filter until the relay
// signals end-of-stored-events or the context expires.
func (r *Relay) Fetch(ctx context.Context, filter *wire.Filter) ([]*wire.Envelope, error) {
	id := uuid.NewString()
	sub := &subscription{filter: filter, eose: make(chan struct{}, 1), fetch: true}

	r.mu.Lock()
	r.subs[id] = sub
	err := r.writeLocked([]any{"REQ", id, filter})
	r.mu.Unlock()
	if err != nil {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
		return nil, err
	}

	defer func() {
		r.mu.Lock()
		delete(r.subs, id)
		_ = r.writeLocked([]any{"CLOSE", id})
		r.mu.Unlock()
	}()

	select {
	case <-sub.eose:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.mu.Lock()
	batch := sub.batch
	r.mu.Unlock()
	return batch, nil
}

// Close tears the connection down permanently.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
