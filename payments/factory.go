package payments

import (
	"log/slog"
	"sync"

	"github.com/enclaved-org/enclaved/interfaces"
	"github.com/enclaved-org/enclaved/relay"
	"github.com/enclaved-org/enclaved/signer"
)

// Factory creates and caches wallet clients per keypair. The cache is
// shared by the charge loop, the request handler and the upgrade loop;
// lookup-or-create is atomic per key.
type Factory struct {
	relay    *relay.Relay
	log      *slog.Logger
	onNotify func(interfaces.Pubkey)

	mu      sync.Mutex
	wallet  interfaces.Pubkey
	clients map[interfaces.Pubkey]*Client
}

// NewFactory creates a factory bound to a single wallet relay
// connection. The wallet identity is set later, once the builtin wallet
// workload reports it.
func NewFactory(r *relay.Relay, log *slog.Logger, onNotify func(interfaces.Pubkey)) *Factory {
	return &Factory{
		relay:    r,
		log:      log,
		onNotify: onNotify,
		clients:  make(map[interfaces.Pubkey]*Client),
	}
}

// SetWallet records the wallet identity. Changing the wallet identity
// invalidates every cached client.
func (f *Factory) SetWallet(wallet interfaces.Pubkey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.wallet == wallet {
		return
	}
	f.wallet = wallet
	for _, c := range f.clients {
		_ = c.Close()
	}
	f.clients = make(map[interfaces.Pubkey]*Client)
}

// WalletKnown reports whether the wallet identity has been learned.
func (f *Factory) WalletKnown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wallet != ""
}

// ClientFor returns the shared client for a keypair, creating it
// lazily.
func (f *Factory) ClientFor(seckey []byte) (interfaces.PaymentClient, error) {
	sgn, err := signer.FromSeckey(seckey)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.wallet == "" {
		return nil, interfaces.ErrWalletNotReady
	}
	if c, ok := f.clients[sgn.Pubkey()]; ok {
		return c, nil
	}
	c := newClient(sgn, f.wallet, f.relay, f.log, f.onNotify)
	f.clients[sgn.Pubkey()] = c
	return c, nil
}

// Close disposes every cached client.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		_ = c.Close()
	}
	f.clients = make(map[interfaces.Pubkey]*Client)
	return nil
}
