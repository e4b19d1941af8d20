package enclave

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/enclaved-org/enclaved/config"
	"github.com/enclaved-org/enclaved/cryptoutils"
	"github.com/enclaved-org/enclaved/interfaces"
	"github.com/enclaved-org/enclaved/payments"
	"github.com/enclaved-org/enclaved/runtime"
	"github.com/enclaved-org/enclaved/signer"
	"github.com/enclaved-org/enclaved/store"
	"github.com/enclaved-org/enclaved/wire"
)

// mockTransport records published envelopes and serves canned fetches.
type mockTransport struct {
	mu        sync.Mutex
	published []*wire.Envelope
	fetched   []*wire.Envelope
	fetchErr  error
}

func (m *mockTransport) Publish(ctx context.Context, urls []string, env *wire.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, env)
	return nil
}

func (m *mockTransport) Fetch(ctx context.Context, urls []string, filter *wire.Filter) ([]*wire.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetched, m.fetchErr
}

func (m *mockTransport) publishedKinds() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]int, 0, len(m.published))
	for _, env := range m.published {
		kinds = append(kinds, env.Kind)
	}
	return kinds
}

type fixtures struct {
	store     *store.SQLiteStore
	runtime   *runtime.MockRuntime
	inspector *runtime.MockInspector
	wallets   *payments.MockFactory
	client    *payments.MockClient
	transport *mockTransport
	cfg       *config.Config
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Service.Relays = []string{"wss://test.relay"}
	cfg.Service.WalletRelay = "wss://test.relay"
	cfg.Billing.TotalUnits = 10
	cfg.Billing.PriceMsat = 1000
	cfg.Billing.IntervalSec = 60
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg *config.Config) (*Orchestrator, *fixtures) {
	t.Helper()

	recordStore, err := store.New(filepath.Join(t.TempDir(), "containers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { recordStore.Close() })

	sgn, err := signer.Generate()
	require.NoError(t, err)

	f := &fixtures{
		store:     recordStore,
		runtime:   new(runtime.MockRuntime),
		inspector: new(runtime.MockInspector),
		wallets:   new(payments.MockFactory),
		client:    new(payments.MockClient),
		transport: new(mockTransport),
		cfg:       cfg,
	}

	o, err := NewOrchestrator(Options{
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:      cfg,
		Signer:      sgn,
		Store:       recordStore,
		Runtime:     f.runtime,
		Inspector:   f.inspector,
		Wallets:     f.wallets,
		Attestation: cryptoutils.DummyAttestationProvider{},
		Transport:   f.transport,
	})
	require.NoError(t, err)
	return o, f
}

// addContainer seeds a persisted container and its in-memory wrapper.
func addContainer(t *testing.T, o *Orchestrator, mutate func(rec *interfaces.ContainerRecord)) *Container {
	t.Helper()
	sgn, err := signer.Generate()
	require.NoError(t, err)

	rec := &interfaces.ContainerRecord{
		Pubkey:    sgn.Pubkey(),
		Seckey:    sgn.Seckey(),
		Token:     "token-" + string(sgn.Pubkey())[:8],
		PortsFrom: o.allocPortsLocked(),
		Name:      "c-" + string(sgn.Pubkey())[:8],
		ImageRef:  "example/app:1.0",
		Units:     1,
		State:     interfaces.StateDeployed,
	}
	if mutate != nil {
		mutate(rec)
	}
	require.NoError(t, o.store.Upsert(rec))

	c, err := NewContainer(rec)
	require.NoError(t, err)
	o.mu.Lock()
	o.containers[rec.Pubkey] = c
	o.mu.Unlock()
	return c
}

func readyWallets(f *fixtures) {
	f.wallets.On("WalletKnown").Return(true).Maybe()
	f.wallets.On("ClientFor", mock.Anything).Return(f.client, nil).Maybe()
}

func TestLaunchRejectsBeforeReady(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig())

	_, err := o.Launch(context.Background(), "", &wire.LaunchParams{Docker: "nginx:latest", Units: 1})
	assert.ErrorIs(t, err, interfaces.ErrRetryLater)
}

func TestLaunchValidation(t *testing.T) {
	o, f := newTestOrchestrator(t, testConfig())
	o.ready.Store(true)
	readyWallets(f)

	_, err := o.Launch(context.Background(), "", &wire.LaunchParams{Units: 1})
	assert.ErrorIs(t, err, interfaces.ErrInvalidParams)

	_, err = o.Launch(context.Background(), "", &wire.LaunchParams{Docker: "nginx:latest"})
	assert.ErrorIs(t, err, interfaces.ErrInvalidParams)

	_, err = o.Launch(context.Background(), "", &wire.LaunchParams{
		Docker: "nginx:latest", Units: runtime.MaxUnitsPerContainer + 1,
	})
	assert.ErrorIs(t, err, interfaces.ErrInvalidParams)

	_, err = o.Launch(context.Background(), "", &wire.LaunchParams{
		Docker: "nginx:latest", Units: 1, Upgrade: "yolo",
	})
	assert.ErrorIs(t, err, interfaces.ErrInvalidParams)
}

func TestLaunchCapacityCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.Billing.TotalUnits = 4
	o, f := newTestOrchestrator(t, cfg)
	o.ready.Store(true)
	readyWallets(f)
	f.inspector.On("Manifest", mock.Anything, mock.Anything).
		Return(&interfaces.ImageManifest{LayerSize: 1024}, nil)

	addContainer(t, o, func(rec *interfaces.ContainerRecord) { rec.Units = 3 })

	_, err := o.Launch(context.Background(), "", &wire.LaunchParams{Docker: "nginx:latest", Units: 2})
	assert.ErrorIs(t, err, interfaces.ErrCapacityExceeded)
}

func TestLaunchRejectsOversizedImage(t *testing.T) {
	o, f := newTestOrchestrator(t, testConfig())
	o.ready.Store(true)
	readyWallets(f)

	// 1 unit allows 50MB of disk; cap is 80% of that.
	f.inspector.On("Manifest", mock.Anything, "huge/image:1").
		Return(&interfaces.ImageManifest{LayerSize: 45 * 1024 * 1024}, nil)

	_, err := o.Launch(context.Background(), "", &wire.LaunchParams{Docker: "huge/image:1", Units: 1})
	assert.ErrorIs(t, err, interfaces.ErrImageTooLarge)
}

func TestLaunchSuccess(t *testing.T) {
	o, f := newTestOrchestrator(t, testConfig())
	o.ready.Store(true)
	readyWallets(f)
	f.inspector.On("Manifest", mock.Anything, "nginx:latest").
		Return(&interfaces.ImageManifest{LayerSize: 10 * 1024 * 1024}, nil)
	f.client.On("AuthorizePubkey", mock.Anything, mock.Anything).Return(nil)
	f.client.On("MakeInvoice", mock.Anything, int64(2000), mock.Anything).
		Return(&interfaces.Invoice{Invoice: "lnbc1", PaymentHash: "hash-1"}, nil)

	admin, err := signer.Generate()
	require.NoError(t, err)

	result, err := o.Launch(context.Background(), admin.Pubkey(), &wire.LaunchParams{
		Docker: "nginx:latest",
		Units:  2,
		Name:   "web",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Pubkey)
	assert.Equal(t, "lnbc1", result.Invoice.Invoice)

	rec, err := o.store.ByPubkey(result.Pubkey)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateWaiting, rec.State)
	assert.Equal(t, "hash-1", rec.PaymentHash)
	assert.Equal(t, 2, rec.Units)
	assert.Equal(t, admin.Pubkey(), rec.AdminPubkey)
	assert.Equal(t, runtime.MinPortsFrom, rec.PortsFrom)

	// The workload does not run until the invoice settles.
	f.runtime.AssertNotCalled(t, "Up", mock.Anything, mock.Anything)

	_, err = o.Launch(context.Background(), admin.Pubkey(), &wire.LaunchParams{
		Docker: "nginx:latest", Units: 1, Name: "web",
	})
	assert.ErrorIs(t, err, interfaces.ErrNameTaken)
}

func TestLaunchConcurrentReservesDisjointPorts(t *testing.T) {
	o, f := newTestOrchestrator(t, testConfig())
	o.ready.Store(true)
	readyWallets(f)
	f.inspector.On("Manifest", mock.Anything, mock.Anything).
		Return(&interfaces.ImageManifest{LayerSize: 1024}, nil)
	f.client.On("AuthorizePubkey", mock.Anything, mock.Anything).Return(nil)

	// Hold both launches inside the wallet round trip so their admission
	// windows overlap fully.
	var barrier sync.WaitGroup
	barrier.Add(2)
	f.client.On("MakeInvoice", mock.Anything, mock.Anything, mock.Anything).
		Return(&interfaces.Invoice{Invoice: "lnbc1", PaymentHash: "hash-1"}, nil).
		Run(func(mock.Arguments) {
			barrier.Done()
			barrier.Wait()
		})

	type outcome struct {
		result *wire.LaunchResult
		err    error
	}
	results := make(chan outcome, 2)
	for _, name := range []string{"alpha", "beta"} {
		go func(name string) {
			result, err := o.Launch(context.Background(), "", &wire.LaunchParams{
				Docker: "nginx:latest", Units: 2, Name: name,
			})
			results <- outcome{result, err}
		}(name)
	}

	first, second := <-results, <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)

	recA, err := o.store.ByPubkey(first.result.Pubkey)
	require.NoError(t, err)
	recB, err := o.store.ByPubkey(second.result.Pubkey)
	require.NoError(t, err)
	assert.NotEqual(t, recA.PortsFrom, recB.PortsFrom)
}

func TestLaunchConcurrentHoldsCapacityReservation(t *testing.T) {
	cfg := testConfig()
	cfg.Billing.TotalUnits = 3
	o, f := newTestOrchestrator(t, cfg)
	o.ready.Store(true)
	readyWallets(f)
	f.inspector.On("Manifest", mock.Anything, mock.Anything).
		Return(&interfaces.ImageManifest{LayerSize: 1024}, nil)
	f.client.On("AuthorizePubkey", mock.Anything, mock.Anything).Return(nil)

	entered := make(chan struct{})
	gate := make(chan struct{})
	f.client.On("MakeInvoice", mock.Anything, mock.Anything, mock.Anything).
		Return(&interfaces.Invoice{Invoice: "lnbc1", PaymentHash: "hash-1"}, nil).
		Run(func(mock.Arguments) {
			close(entered)
			<-gate
		})

	done := make(chan error, 1)
	go func() {
		_, err := o.Launch(context.Background(), "", &wire.LaunchParams{
			Docker: "nginx:latest", Units: 2, Name: "first",
		})
		done <- err
	}()
	<-entered

	// The first launch sits in its wallet round trip but still holds its
	// units; the second must not fit under the ceiling.
	_, err := o.Launch(context.Background(), "", &wire.LaunchParams{
		Docker: "nginx:latest", Units: 2, Name: "second",
	})
	assert.ErrorIs(t, err, interfaces.ErrCapacityExceeded)

	close(gate)
	require.NoError(t, <-done)
}

func TestLaunchConcurrentHoldsNameReservation(t *testing.T) {
	o, f := newTestOrchestrator(t, testConfig())
	o.ready.Store(true)
	readyWallets(f)
	f.inspector.On("Manifest", mock.Anything, mock.Anything).
		Return(&interfaces.ImageManifest{LayerSize: 1024}, nil)
	f.client.On("AuthorizePubkey", mock.Anything, mock.Anything).Return(nil)

	entered := make(chan struct{})
	gate := make(chan struct{})
	f.client.On("MakeInvoice", mock.Anything, mock.Anything, mock.Anything).
		Return(&interfaces.Invoice{Invoice: "lnbc1", PaymentHash: "hash-1"}, nil).
		Run(func(mock.Arguments) {
			close(entered)
			<-gate
		})

	done := make(chan error, 1)
	go func() {
		_, err := o.Launch(context.Background(), "", &wire.LaunchParams{
			Docker: "nginx:latest", Units: 1, Name: "web",
		})
		done <- err
	}()
	<-entered

	// The name is reserved before the record is persisted.
	_, err := o.Launch(context.Background(), "", &wire.LaunchParams{
		Docker: "nginx:latest", Units: 1, Name: "web",
	})
	assert.ErrorIs(t, err, interfaces.ErrNameTaken)

	close(gate)
	require.NoError(t, <-done)
}

func TestLaunchReleasesReservationOnWalletFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Billing.TotalUnits = 2
	o, f := newTestOrchestrator(t, cfg)
	o.ready.Store(true)
	readyWallets(f)
	f.inspector.On("Manifest", mock.Anything, mock.Anything).
		Return(&interfaces.ImageManifest{LayerSize: 1024}, nil)
	f.client.On("AuthorizePubkey", mock.Anything, mock.Anything).Return(nil)
	f.client.On("MakeInvoice", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, assert.AnError).Once()
	f.client.On("MakeInvoice", mock.Anything, mock.Anything, mock.Anything).
		Return(&interfaces.Invoice{Invoice: "lnbc1", PaymentHash: "hash-1"}, nil)

	_, err := o.Launch(context.Background(), "", &wire.LaunchParams{
		Docker: "nginx:latest", Units: 2, Name: "web",
	})
	require.Error(t, err)
	assert.Empty(t, o.list())

	// The failed admission freed its units, its port range and the name.
	result, err := o.Launch(context.Background(), "", &wire.LaunchParams{
		Docker: "nginx:latest", Units: 2, Name: "web",
	})
	require.NoError(t, err)
	rec, err := o.store.ByPubkey(result.Pubkey)
	require.NoError(t, err)
	assert.Equal(t, runtime.MinPortsFrom, rec.PortsFrom)
}

func TestPortAllocationIsDisjoint(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig())

	first := addContainer(t, o, nil)
	second := addContainer(t, o, nil)
	third := addContainer(t, o, nil)

	seen := map[int]bool{}
	for _, c := range []*Container{first, second, third} {
		from := c.Record().PortsFrom
		assert.GreaterOrEqual(t, from, runtime.MinPortsFrom)
		assert.Zero(t, (from-runtime.MinPortsFrom)%runtime.PortsPerContainer)
		assert.False(t, seen[from], "port range reused")
		seen[from] = true
	}
}

func TestChangeStateIsIdempotent(t *testing.T) {
	o, f := newTestOrchestrator(t, testConfig())
	c := addContainer(t, o, nil)

	require.NoError(t, o.changeState(context.Background(), c, interfaces.StateDeployed))
	f.runtime.AssertNotCalled(t, "Up", mock.Anything, mock.Anything)

	f.runtime.On("Stop", mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, o.changeState(context.Background(), c, interfaces.StatePaused))
	assert.Equal(t, interfaces.StatePaused, c.State())

	rec, err := o.store.ByPubkey(c.Pubkey())
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatePaused, rec.State)

	// Repeating the transition touches nothing.
	require.NoError(t, o.changeState(context.Background(), c, interfaces.StatePaused))
	f.runtime.AssertNumberOfCalls(t, "Stop", 1)
}

func TestSetAppInfoWiresWalletIdentity(t *testing.T) {
	cfg := testConfig()
	cfg.Service.WalletName = "wallet"
	cfg.Builtins = []config.BuiltinWorkload{{Name: "wallet", Docker: "example/wallet:1", Units: 1}}
	o, f := newTestOrchestrator(t, cfg)

	walletContainer := addContainer(t, o, func(rec *interfaces.ContainerRecord) {
		rec.Name = "wallet"
		rec.IsBuiltin = true
	})

	walletIdentity, err := signer.Generate()
	require.NoError(t, err)
	f.wallets.On("SetWallet", walletIdentity.Pubkey()).Return()

	require.False(t, o.Ready())
	info := &interfaces.AppInfo{Pubkey: walletIdentity.Pubkey(), Name: "wallet"}
	require.NoError(t, o.SetAppInfo(context.Background(), walletContainer, info))

	assert.True(t, o.Ready())
	assert.Equal(t, walletIdentity.Pubkey(), o.WalletPubkey())
	f.wallets.AssertCalled(t, "SetWallet", walletIdentity.Pubkey())
}

func TestGetContainerInfo(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig())
	c := addContainer(t, o, func(rec *interfaces.ContainerRecord) {
		rec.Units = 3
		rec.Balance = 5000
		rec.UptimeCount = 120
		rec.UptimePaid = 60
	})

	info, err := o.GetContainerInfo(c.Pubkey())
	require.NoError(t, err)
	assert.Equal(t, int64(3000), info.PriceMsat)
	assert.Equal(t, int64(60), info.IntervalSec)
	assert.Equal(t, int64(5000), info.Balance)
	assert.Equal(t, int64(120), info.UptimeCount)
	assert.Equal(t, "deployed", info.State)

	_, err = o.GetContainerInfo("unknown")
	assert.ErrorIs(t, err, interfaces.ErrContainerNotFound)
}

func TestCreateCertificateChain(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig())
	c := addContainer(t, o, nil)

	app, err := signer.Generate()
	require.NoError(t, err)

	result, err := o.CreateCertificate(c, app.Pubkey())
	require.NoError(t, err)
	require.NoError(t, wire.Verify(result.Root))
	require.Len(t, result.Certs, 2)

	containerCert, appCert := result.Certs[0], result.Certs[1]
	require.NoError(t, wire.Verify(containerCert))
	require.NoError(t, wire.Verify(appCert))
	assert.Equal(t, o.Pubkey(), result.Root.Pubkey)
	assert.Equal(t, o.Pubkey(), containerCert.Pubkey)
	assert.Equal(t, c.Pubkey(), appCert.Pubkey)

	_, err = o.CreateCertificate(c, "garbage")
	assert.ErrorIs(t, err, interfaces.ErrInvalidParams)
}

func TestByToken(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig())
	c := addContainer(t, o, func(rec *interfaces.ContainerRecord) { rec.Token = "secret-token" })

	got, err := o.ByToken("secret-token")
	require.NoError(t, err)
	assert.Equal(t, c.Pubkey(), got.Pubkey())

	_, err = o.ByToken("")
	assert.ErrorIs(t, err, interfaces.ErrContainerNotFound)
	_, err = o.ByToken("wrong")
	assert.ErrorIs(t, err, interfaces.ErrContainerNotFound)
}

func TestStartReconcilesBuiltins(t *testing.T) {
	cfg := testConfig()
	cfg.Builtins = []config.BuiltinWorkload{
		{Name: "wallet", Docker: "example/wallet:1", Units: 2},
	}
	o, f := newTestOrchestrator(t, cfg)
	f.runtime.On("Up", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, o.Start(context.Background()))

	rec, err := o.store.ByName("wallet")
	require.NoError(t, err)
	assert.True(t, rec.IsBuiltin)
	assert.Equal(t, interfaces.StateDeployed, rec.State)
	assert.Equal(t, 2, rec.Units)
	f.runtime.AssertCalled(t, "Up", mock.Anything, mock.Anything)
	// A wallet builtin is configured, so launches stay gated until it
	// reports its identity.
	assert.False(t, o.Ready())

	// A second start with changed config adopts the new image but keeps
	// the keypair.
	cfg.Builtins[0].Docker = "example/wallet:2"
	o2, f2 := newTestOrchestrator(t, cfg)
	o2.store = o.store
	f2.runtime.On("Up", mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, o2.Start(context.Background()))

	updated, err := o.store.ByName("wallet")
	require.NoError(t, err)
	assert.Equal(t, rec.Pubkey, updated.Pubkey)
	assert.Equal(t, "example/wallet:2", updated.ImageRef)
}

func TestStartWithoutWalletBuiltin(t *testing.T) {
	o, f := newTestOrchestrator(t, testConfig())
	f.wallets.On("ClientFor", mock.Anything).Return(nil, interfaces.ErrWalletNotReady)
	f.inspector.On("Manifest", mock.Anything, mock.Anything).
		Return(&interfaces.ImageManifest{LayerSize: 1024}, nil)

	require.NoError(t, o.Start(context.Background()))
	assert.True(t, o.Ready())

	// Startup finishes, but without a billing identity launches fail and
	// leave nothing behind.
	_, err := o.Launch(context.Background(), "", &wire.LaunchParams{Docker: "nginx:latest", Units: 1})
	assert.ErrorIs(t, err, interfaces.ErrWalletNotReady)
	assert.Empty(t, o.list())
}

func TestAnnounceContainerPublishesStatusAndCertificate(t *testing.T) {
	o, f := newTestOrchestrator(t, testConfig())
	c := addContainer(t, o, nil)

	require.NoError(t, o.announceContainer(context.Background(), c))

	kinds := f.transport.publishedKinds()
	assert.Contains(t, kinds, wire.KindContainer)
	assert.Contains(t, kinds, wire.KindContainerCertificate)

	var status *wire.Envelope
	for _, env := range f.transport.published {
		if env.Kind == wire.KindContainer {
			status = env
		}
	}
	require.NotNil(t, status)
	require.NoError(t, wire.Verify(status))
	assert.Equal(t, c.Pubkey(), status.Pubkey)

	var got containerStatus
	require.NoError(t, json.Unmarshal([]byte(status.Content), &got))
	assert.Equal(t, "deployed", got.State)
}

func TestAnnounceContainerCarriesBalanceAndAppCertificate(t *testing.T) {
	o, f := newTestOrchestrator(t, testConfig())
	c := addContainer(t, o, func(rec *interfaces.ContainerRecord) { rec.Balance = 7500 })

	app, err := signer.Generate()
	require.NoError(t, err)
	c.SetAppInfo(&interfaces.AppInfo{Pubkey: app.Pubkey()})

	require.NoError(t, o.announceContainer(context.Background(), c))

	var status *wire.Envelope
	var published []*wire.Envelope
	for _, env := range f.transport.published {
		switch env.Kind {
		case wire.KindContainer:
			status = env
		case wire.KindContainerCertificate:
			published = append(published, env)
		}
	}
	require.NotNil(t, status)

	var got containerStatus
	require.NoError(t, json.Unmarshal([]byte(status.Content), &got))
	assert.Equal(t, int64(7500), got.Balance)
	assert.Equal(t, string(app.Pubkey()), got.App)

	// Container certificate from the service key, app certificate from
	// the container key.
	require.Len(t, published, 2)
	signers := []interfaces.Pubkey{published[0].Pubkey, published[1].Pubkey}
	assert.Contains(t, signers, o.Pubkey())
	assert.Contains(t, signers, c.Pubkey())
	for _, env := range published {
		require.NoError(t, wire.Verify(env))
	}
}

func TestAnnounceServicePublishesProfile(t *testing.T) {
	o, f := newTestOrchestrator(t, testConfig())
	addContainer(t, o, func(rec *interfaces.ContainerRecord) { rec.Units = 4 })

	require.NoError(t, o.announceService(context.Background()))

	kinds := f.transport.publishedKinds()
	assert.Contains(t, kinds, wire.KindRootCertificate)
	assert.Contains(t, kinds, wire.KindAnnouncement)
	assert.Contains(t, kinds, wire.KindRelays)

	for _, env := range f.transport.published {
		if env.Kind == wire.KindAnnouncement {
			var profile serviceProfile
			require.NoError(t, json.Unmarshal([]byte(env.Content), &profile))
			assert.Equal(t, 4, profile.UsedUnits)
			assert.Equal(t, "debug", profile.Env)
		}
	}
}
