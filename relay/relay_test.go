package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enclaved-org/enclaved/signer"
	"github.com/enclaved-org/enclaved/wire"
)

// testRelay is a minimal in-process relay: it acks every EVENT and
// answers every REQ with its stored envelopes followed by EOSE.
type testRelay struct {
	srv *httptest.Server

	mu       sync.Mutex
	stored   []*wire.Envelope
	received []*wire.Envelope
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	tr := &testRelay{}
	upgrader := websocket.Upgrader{}

	tr.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var frame []json.RawMessage
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if len(frame) < 2 {
				continue
			}
			var typ string
			if err := json.Unmarshal(frame[0], &typ); err != nil {
				continue
			}

			switch typ {
			case "EVENT":
				var env wire.Envelope
				if err := json.Unmarshal(frame[1], &env); err != nil {
					continue
				}
				tr.mu.Lock()
				tr.received = append(tr.received, &env)
				tr.mu.Unlock()
				conn.WriteJSON([]any{"OK", env.ID, true})

			case "REQ":
				var subID string
				if err := json.Unmarshal(frame[1], &subID); err != nil {
					continue
				}
				tr.mu.Lock()
				stored := append([]*wire.Envelope(nil), tr.stored...)
				tr.mu.Unlock()
				for _, env := range stored {
					conn.WriteJSON([]any{"EVENT", subID, env})
				}
				conn.WriteJSON([]any{"EOSE", subID})
			}
		}
	}))
	t.Cleanup(tr.srv.Close)
	return tr
}

func (tr *testRelay) url() string {
	return "ws" + strings.TrimPrefix(tr.srv.URL, "http")
}

func (tr *testRelay) receivedIDs() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	ids := make([]string, 0, len(tr.received))
	for _, env := range tr.received {
		ids = append(ids, env.ID)
	}
	return ids
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEnvelope(t *testing.T, content string) *wire.Envelope {
	t.Helper()
	sgn, err := signer.Generate()
	require.NoError(t, err)
	env := &wire.Envelope{Kind: wire.KindNote, Content: content}
	require.NoError(t, wire.Finalize(env, sgn))
	return env
}

func TestPublishWaitsForAck(t *testing.T) {
	tr := newTestRelay(t)
	r := New(tr.url(), testLogger())
	defer r.Close()

	env := testEnvelope(t, "hello")

	// The connection comes up in the background; retry until it does.
	require.Eventually(t, func() bool {
		return r.Publish(context.Background(), env) == nil
	}, 5*time.Second, 50*time.Millisecond)

	assert.Contains(t, tr.receivedIDs(), env.ID)
}

func TestSubscribeDeliversStoredEvents(t *testing.T) {
	tr := newTestRelay(t)
	env := testEnvelope(t, "announcement")
	tr.stored = []*wire.Envelope{env}

	r := New(tr.url(), testLogger())
	defer r.Close()

	got := make(chan *wire.Envelope, 1)
	unsub := r.Subscribe(&wire.Filter{Kinds: []int{wire.KindNote}}, func(e *wire.Envelope) {
		select {
		case got <- e:
		default:
		}
	})
	defer unsub()

	select {
	case e := <-got:
		assert.Equal(t, env.ID, e.ID)
		assert.Equal(t, "announcement", e.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription never delivered the stored envelope")
	}
}

func TestFetchDropsTamperedEnvelopes(t *testing.T) {
	tr := newTestRelay(t)
	valid := testEnvelope(t, "valid")
	forged := testEnvelope(t, "forged")
	forged.Content = "tampered after signing"
	tr.stored = []*wire.Envelope{valid, forged}

	r := New(tr.url(), testLogger())
	defer r.Close()

	var batch []*wire.Envelope
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		var err error
		batch, err = r.Fetch(ctx, &wire.Filter{Kinds: []int{wire.KindNote}})
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	require.Len(t, batch, 1)
	assert.Equal(t, valid.ID, batch[0].ID)
}

func TestPoolSharesConnectionsAndMergesFetches(t *testing.T) {
	first := newTestRelay(t)
	second := newTestRelay(t)

	shared := testEnvelope(t, "stored everywhere")
	first.stored = []*wire.Envelope{shared}
	second.stored = []*wire.Envelope{shared}

	p := NewPool(testLogger())
	defer p.Close()

	assert.Same(t, p.Get(first.url()), p.Get(first.url()))

	urls := []string{first.url(), second.url()}
	env := testEnvelope(t, "broadcast")
	require.Eventually(t, func() bool {
		return p.Publish(context.Background(), urls, env) == nil
	}, 5*time.Second, 50*time.Millisecond)

	var merged []*wire.Envelope
	require.Eventually(t, func() bool {
		var err error
		merged, err = p.Fetch(context.Background(), urls, &wire.Filter{Kinds: []int{wire.KindNote}})
		return err == nil && len(merged) > 0
	}, 5*time.Second, 50*time.Millisecond)

	// The same envelope from both relays collapses to one.
	require.Len(t, merged, 1)
	assert.Equal(t, shared.ID, merged[0].ID)
}
