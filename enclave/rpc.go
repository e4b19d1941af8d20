package enclave

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/enclaved-org/enclaved/interfaces"
	"github.com/enclaved-org/enclaved/metrics"
	"github.com/enclaved-org/enclaved/relay"
	"github.com/enclaved-org/enclaved/wire"
)

// seenCap bounds the envelope dedupe window. Relays replay events on
// reconnect and a request published to several relays arrives once per
// relay; every duplicate would otherwise be executed again.
const seenCap = 4096

// RPCServer listens for encrypted request envelopes addressed to the
// service identity and dispatches them against the orchestrator.
type RPCServer struct {
	o      *Orchestrator
	pool   *relay.Pool
	relays []string

	mu     sync.Mutex
	seen   map[string]struct{}
	order  []string
	unsubs []func()
}

// NewRPCServer creates a dispatcher bound to the orchestrator's relays.
func NewRPCServer(o *Orchestrator, pool *relay.Pool) *RPCServer {
	return &RPCServer{
		o:      o,
		pool:   pool,
		relays: o.cfg.Service.Relays,
		seen:   make(map[string]struct{}),
	}
}

// Start subscribes to request envelopes on every relay.
func (s *RPCServer) Start(ctx context.Context) {
	filter := &wire.Filter{
		Kinds: []int{wire.KindRPC},
		PTags: []interfaces.Pubkey{s.o.Pubkey()},
	}
	for _, url := range s.relays {
		unsub := s.pool.Get(url).Subscribe(filter, func(env *wire.Envelope) {
			s.handleEnvelope(ctx, env)
		})
		s.mu.Lock()
		s.unsubs = append(s.unsubs, unsub)
		s.mu.Unlock()
	}
	s.o.log.Info("RPC dispatcher listening", "relays", len(s.relays), "pubkey", s.o.Pubkey())
}

// Stop cancels all subscriptions.
func (s *RPCServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

// markSeen records an envelope id, reporting whether it was new.
func (s *RPCServer) markSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > seenCap {
		delete(s.seen, s.order[0])
		s.order = s.order[1:]
	}
	return true
}

func (s *RPCServer) handleEnvelope(ctx context.Context, env *wire.Envelope) {
	if !s.markSeen(env.ID) {
		return
	}

	req, err := wire.DecodeRequest(s.o.sgn, env)
	if err != nil {
		s.o.log.Debug("Dropping undecodable rpc envelope", "id", env.ID, "err", err)
		return
	}

	rep := s.dispatch(ctx, req)
	outcome := "ok"
	if rep.Error != "" {
		outcome = "error"
	}
	metrics.RecordRPC(string(req.Method), outcome)

	replyEnv, err := wire.EncodeReply(s.o.sgn, req.Pubkey, rep)
	if err != nil {
		s.o.log.Error("Failed to encode rpc reply", "method", req.Method, "err", err)
		return
	}
	if err := s.pool.Publish(ctx, s.relays, replyEnv); err != nil {
		s.o.log.Warn("Failed to publish rpc reply", "method", req.Method, "err", err)
	}
}

// dispatch executes one decrypted request. All method routing happens
// here; unknown methods and authorization failures are rejected before
// touching the orchestrator.
func (s *RPCServer) dispatch(ctx context.Context, req *wire.Request) *wire.Reply {
	rep := &wire.Reply{ID: req.ID}

	fail := func(err error) *wire.Reply {
		rep.Error = err.Error()
		return rep
	}
	succeed := func(v any) *wire.Reply {
		if err := rep.SetResult(v); err != nil {
			return fail(err)
		}
		return rep
	}

	if !req.Method.Known() {
		rep.Error = "unknown method"
		return rep
	}

	switch req.Method {
	case wire.MethodPing:
		return succeed("pong")

	case wire.MethodLaunch:
		var params wire.LaunchParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fail(interfaces.ErrInvalidParams)
		}
		result, err := s.o.Launch(ctx, req.Pubkey, &params)
		if err != nil {
			return fail(err)
		}
		return succeed(result)

	case wire.MethodGetContainerInfo:
		var params wire.InfoParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fail(interfaces.ErrInvalidParams)
		}
		pubkey := params.Pubkey
		if pubkey == "" {
			pubkey = req.Pubkey
		}
		info, err := s.o.GetContainerInfo(pubkey)
		if err != nil {
			return fail(err)
		}
		return succeed(info)

	case wire.MethodSetInfo:
		// Only a workload holding its container key may report an
		// identity over the public transport; everything else uses the
		// local control channel.
		c, err := s.o.byPubkey(req.Pubkey)
		if err != nil {
			return fail(err)
		}
		var params wire.SetInfoParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fail(interfaces.ErrInvalidParams)
		}
		if err := s.o.SetAppInfo(ctx, c, &params.Info); err != nil {
			return fail(err)
		}
		return succeed(map[string]bool{"ok": true})

	case wire.MethodCreateCertificate:
		c, err := s.o.byPubkey(req.Pubkey)
		if err != nil {
			return fail(err)
		}
		var params wire.CertificateParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fail(interfaces.ErrInvalidParams)
		}
		result, err := s.o.CreateCertificate(c, params.Pubkey)
		if err != nil {
			return fail(err)
		}
		return succeed(result)
	}

	rep.Error = "unknown method"
	return rep
}
