package enclave

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/enclaved-org/enclaved/certs"
	"github.com/enclaved-org/enclaved/config"
	"github.com/enclaved-org/enclaved/interfaces"
	"github.com/enclaved-org/enclaved/metrics"
	"github.com/enclaved-org/enclaved/runtime"
	"github.com/enclaved-org/enclaved/signer"
	"github.com/enclaved-org/enclaved/wire"
)

const (
	uptimeTick          = time.Second
	chargeTick          = time.Second
	upgradeTick         = 10 * time.Minute
	announceTick        = 10 * time.Minute
	serviceAnnounceTick = time.Hour

	// imageSizeCapPct caps declared image layer size at this share of
	// the disk quota implied by the requested units.
	imageSizeCapPct = 80
)

// WalletFactory is the payment client factory plus the wallet identity
// plumbing the orchestrator drives when the builtin wallet reports
// itself.
type WalletFactory interface {
	interfaces.PaymentClientFactory
	SetWallet(interfaces.Pubkey)
	WalletKnown() bool
}

// Transport publishes and fetches envelopes across the configured
// relays. Implemented by relay.Pool.
type Transport interface {
	Publish(ctx context.Context, urls []string, env *wire.Envelope) error
	Fetch(ctx context.Context, urls []string, filter *wire.Filter) ([]*wire.Envelope, error)
}

// Options wire the orchestrator's collaborators.
type Options struct {
	Log         *slog.Logger
	Config      *config.Config
	Signer      *signer.PrivateKeySigner
	Store       interfaces.ContainerStore
	Runtime     interfaces.ContainerRuntime
	Inspector   interfaces.ImageInspector
	Wallets     WalletFactory
	Attestation interfaces.AttestationProvider
	Transport   Transport

	// Archive is optional; nil disables envelope archiving.
	Archive interfaces.ArchiveStore
}

// Orchestrator owns the container map and the background loops.
type Orchestrator struct {
	log         *slog.Logger
	cfg         *config.Config
	sgn         *signer.PrivateKeySigner
	store       interfaces.ContainerStore
	runtime     interfaces.ContainerRuntime
	inspector   interfaces.ImageInspector
	wallets     WalletFactory
	attestation interfaces.AttestationProvider
	transport   Transport
	archive     interfaces.ArchiveStore

	mu           sync.Mutex
	containers   map[interfaces.Pubkey]*Container
	walletPubkey interfaces.Pubkey

	// ready flips once the builtin wallet has reported its identity and
	// startup reconciliation finished. Launch fails with ErrRetryLater
	// until then.
	ready atomic.Bool

	wg sync.WaitGroup
}

// NewOrchestrator creates an orchestrator from its collaborators.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Config == nil || opts.Signer == nil || opts.Store == nil ||
		opts.Runtime == nil || opts.Inspector == nil || opts.Wallets == nil ||
		opts.Attestation == nil || opts.Transport == nil {
		return nil, errors.New("orchestrator: missing collaborator")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	return &Orchestrator{
		log:         log,
		cfg:         opts.Config,
		sgn:         opts.Signer,
		store:       opts.Store,
		runtime:     opts.Runtime,
		inspector:   opts.Inspector,
		wallets:     opts.Wallets,
		attestation: opts.Attestation,
		transport:   opts.Transport,
		archive:     opts.Archive,
		containers:  make(map[interfaces.Pubkey]*Container),
	}, nil
}

// Pubkey returns the service identity.
func (o *Orchestrator) Pubkey() interfaces.Pubkey {
	return o.sgn.Pubkey()
}

// WalletPubkey returns the wallet counterparty identity, empty until
// the builtin wallet reported itself.
func (o *Orchestrator) WalletPubkey() interfaces.Pubkey {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.walletPubkey
}

// Ready reports whether startup reconciliation has finished.
func (o *Orchestrator) Ready() bool {
	return o.ready.Load()
}

// Start loads persisted records, reconciles the builtin workloads and
// brings them up. Non-builtin containers stay down until the wallet
// reports its identity via set_info.
func (o *Orchestrator) Start(ctx context.Context) error {
	records, err := o.store.List()
	if err != nil {
		return fmt.Errorf("loading container records: %w", err)
	}
	for _, rec := range records {
		c, err := NewContainer(rec)
		if err != nil {
			return fmt.Errorf("restoring container %s: %w", rec.Pubkey, err)
		}
		o.mu.Lock()
		o.containers[rec.Pubkey] = c
		o.mu.Unlock()
	}

	if err := o.reconcileBuiltins(ctx); err != nil {
		return err
	}

	for _, c := range o.list() {
		rec := c.Record()
		if !rec.IsBuiltin || rec.State != interfaces.StateDeployed {
			continue
		}
		if err := o.runtime.Up(ctx, &rec); err != nil {
			return fmt.Errorf("starting builtin %s: %w", rec.Name, err)
		}
		o.log.Info("Builtin workload up", "name", rec.Name, "pubkey", rec.Pubkey)
	}

	// Without a configured wallet there is nothing to wait for; this
	// only happens in debug setups without billing.
	if !o.hasWalletBuiltin() {
		o.log.Warn("No wallet builtin configured, finishing startup without billing; launches will be rejected")
		o.finishStartup(ctx)
	}
	return nil
}

// Run spawns the background loops and blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	loops := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"uptime", uptimeTick, o.uptimePass},
		{"charge", chargeTick, o.chargePass},
		{"upgrade", upgradeTick, o.upgradePass},
		{"announce", announceTick, o.announcePass},
	}
	for _, loop := range loops {
		o.wg.Add(1)
		go func(name string, interval time.Duration, fn func(context.Context)) {
			defer o.wg.Done()
			o.runLoop(ctx, name, interval, fn)
		}(loop.name, loop.interval, loop.fn)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.serviceAnnounceLoop(ctx)
	}()

	<-ctx.Done()
	o.wg.Wait()
}

// runLoop runs fn on a fixed cadence, compensating the sleep for the
// time fn itself took so ticks do not drift.
func (o *Orchestrator) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	for {
		start := time.Now()
		fn(ctx)

		sleep := interval - time.Since(start)
		if sleep < 0 {
			o.log.Debug("Loop pass overran its interval", "loop", name, "took", time.Since(start))
			sleep = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (o *Orchestrator) hasWalletBuiltin() bool {
	for _, b := range o.cfg.Builtins {
		if b.Name == o.cfg.Service.WalletName {
			return true
		}
	}
	return false
}

// reconcileBuiltins ensures every configured builtin workload has a
// record, adopting config changes into existing rows. Builtins never
// auto-upgrade; a stale upgrade policy on an existing row is cleared.
func (o *Orchestrator) reconcileBuiltins(ctx context.Context) error {
	for _, b := range o.cfg.Builtins {
		existing, err := o.store.ByName(b.Name)
		if err != nil && !errors.Is(err, interfaces.ErrContainerNotFound) {
			return fmt.Errorf("looking up builtin %s: %w", b.Name, err)
		}

		if existing != nil {
			existing.ImageRef = b.Docker
			existing.Units = b.Units
			existing.Env = b.Env
			existing.Upgrade = ""
			existing.State = interfaces.StateDeployed
			if err := o.store.Upsert(existing); err != nil {
				return fmt.Errorf("updating builtin %s: %w", b.Name, err)
			}
			o.mu.Lock()
			c := o.containers[existing.Pubkey]
			o.mu.Unlock()
			if c != nil {
				c.Locked(func(rec *interfaces.ContainerRecord) { *rec = *existing })
			}
			continue
		}

		sgn, err := signer.Generate()
		if err != nil {
			return fmt.Errorf("generating key for builtin %s: %w", b.Name, err)
		}
		rec := &interfaces.ContainerRecord{
			Pubkey:    sgn.Pubkey(),
			Seckey:    sgn.Seckey(),
			Token:     uuid.NewString(),
			PortsFrom: o.allocPortsLocked(),
			Name:      b.Name,
			ImageRef:  b.Docker,
			Units:     b.Units,
			IsBuiltin: true,
			Env:       b.Env,
			State:     interfaces.StateDeployed,
		}
		if err := o.store.Upsert(rec); err != nil {
			return fmt.Errorf("persisting builtin %s: %w", b.Name, err)
		}
		c, err := NewContainer(rec)
		if err != nil {
			return err
		}
		o.mu.Lock()
		o.containers[rec.Pubkey] = c
		o.mu.Unlock()
		o.log.Info("Registered builtin workload", "name", b.Name, "pubkey", rec.Pubkey)
	}
	return nil
}

// finishStartup marks the orchestrator ready and brings up the
// non-builtin containers that were deployed before the restart.
func (o *Orchestrator) finishStartup(ctx context.Context) {
	if !o.ready.CompareAndSwap(false, true) {
		return
	}
	for _, c := range o.list() {
		rec := c.Record()
		if rec.IsBuiltin || rec.State != interfaces.StateDeployed {
			continue
		}
		if err := o.runtime.Up(ctx, &rec); err != nil {
			o.log.Error("Failed to restore container", "pubkey", rec.Pubkey, "err", err)
			continue
		}
		o.requestAnnounce(c)
	}
	o.log.Info("Startup reconciliation finished")
}

func (o *Orchestrator) list() []*Container {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Container, 0, len(o.containers))
	for _, c := range o.containers {
		out = append(out, c)
	}
	return out
}

func (o *Orchestrator) byPubkey(pubkey interfaces.Pubkey) (*Container, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.containers[pubkey]
	if !ok {
		return nil, interfaces.ErrContainerNotFound
	}
	return c, nil
}

// ByToken resolves a container from its control-channel bearer token.
func (o *Orchestrator) ByToken(token string) (*Container, error) {
	if token == "" {
		return nil, interfaces.ErrContainerNotFound
	}
	for _, c := range o.list() {
		if c.Record().Token == token {
			return c, nil
		}
	}
	return nil, interfaces.ErrContainerNotFound
}

// usedUnitsLocked sums committed units. Callers hold o.mu.
func (o *Orchestrator) usedUnitsLocked() int {
	total := 0
	for _, c := range o.containers {
		total += c.rec.Units
	}
	return total
}

// allocPortsLocked picks the lowest unused port-range start: a multiple
// of the stride at or above the floor. Callers hold o.mu or own the
// only reference to the map.
func (o *Orchestrator) allocPortsLocked() int {
	used := make(map[int]bool)
	for _, c := range o.containers {
		used[c.rec.PortsFrom] = true
	}
	for from := runtime.MinPortsFrom; ; from += runtime.PortsPerContainer {
		if !used[from] {
			return from
		}
	}
}

// changeState applies a lifecycle transition idempotently: persists the
// new state, drives the runtime side effect, and schedules an
// announcement. Announce failures are logged, never propagated.
func (o *Orchestrator) changeState(ctx context.Context, c *Container, target interfaces.ContainerState) error {
	var prev interfaces.ContainerState
	c.Locked(func(rec *interfaces.ContainerRecord) { prev = rec.State })
	if prev == target {
		return nil
	}

	rec := c.Record()
	switch target {
	case interfaces.StateDeployed:
		if err := o.runtime.Up(ctx, &rec); err != nil {
			return fmt.Errorf("bringing up %s: %w", rec.Pubkey, err)
		}
	case interfaces.StatePaused:
		if err := o.runtime.Stop(ctx, &rec); err != nil {
			return fmt.Errorf("stopping %s: %w", rec.Pubkey, err)
		}
	default:
		return fmt.Errorf("invalid transition %s -> %s", prev, target)
	}

	if err := o.store.SetState(rec.Pubkey, target); err != nil {
		return fmt.Errorf("persisting state of %s: %w", rec.Pubkey, err)
	}
	c.Locked(func(rec *interfaces.ContainerRecord) { rec.State = target })
	o.log.Info("Container state changed", "pubkey", rec.Pubkey, "from", prev, "to", target)

	o.requestAnnounce(c)
	return nil
}

// removeContainer tears a container down and deletes its record. Only
// waiting containers whose first invoice expired end up here.
func (o *Orchestrator) removeContainer(ctx context.Context, c *Container) {
	rec := c.Record()
	if err := o.runtime.Down(ctx, &rec); err != nil {
		o.log.Warn("Failed to tear down expired container", "pubkey", rec.Pubkey, "err", err)
	}
	if err := o.store.Delete(rec.Pubkey); err != nil {
		o.log.Error("Failed to delete expired container record", "pubkey", rec.Pubkey, "err", err)
		return
	}
	o.mu.Lock()
	delete(o.containers, rec.Pubkey)
	o.mu.Unlock()
	o.log.Info("Removed expired container", "pubkey", rec.Pubkey)
}

// Launch admits a new workload: validates the request, checks capacity
// and image size, binds a fresh keypair to the wallet and returns the
// first-interval invoice. The record starts in state waiting.
func (o *Orchestrator) Launch(ctx context.Context, admin interfaces.Pubkey, params *wire.LaunchParams) (*wire.LaunchResult, error) {
	if !o.ready.Load() {
		return nil, interfaces.ErrRetryLater
	}
	if params.Docker == "" || params.Units <= 0 {
		return nil, interfaces.ErrInvalidParams
	}
	if params.Units > runtime.MaxUnitsPerContainer {
		return nil, fmt.Errorf("%w: at most %d units per container", interfaces.ErrInvalidParams, runtime.MaxUnitsPerContainer)
	}
	if params.Upgrade != "" && params.Upgrade != interfaces.UpgradeAuto {
		return nil, fmt.Errorf("%w: unknown upgrade policy %q", interfaces.ErrInvalidParams, params.Upgrade)
	}

	manifest, err := o.inspector.Manifest(ctx, params.Docker)
	if err != nil {
		return nil, fmt.Errorf("fetching image manifest: %w", err)
	}
	diskQuota := int64(params.Units) * runtime.DiskMBPerUnit * 1024 * 1024
	if manifest.LayerSize > diskQuota*imageSizeCapPct/100 {
		return nil, interfaces.ErrImageTooLarge
	}

	sgn, err := signer.Generate()
	if err != nil {
		return nil, fmt.Errorf("generating container key: %w", err)
	}

	name := params.Name
	if name == "" {
		name = string(sgn.Pubkey())
	}
	if existing, err := o.store.ByName(name); err == nil && existing != nil {
		return nil, interfaces.ErrNameTaken
	}

	rec := &interfaces.ContainerRecord{
		Pubkey:      sgn.Pubkey(),
		Seckey:      sgn.Seckey(),
		Token:       uuid.NewString(),
		AdminPubkey: admin,
		Name:        name,
		ImageRef:    params.Docker,
		Units:       params.Units,
		Env:         params.Env,
		State:       interfaces.StateWaiting,
		Upgrade:     params.Upgrade,
	}
	c, err := NewContainer(rec)
	if err != nil {
		return nil, err
	}

	// Reserve units, the port range and the name before the wallet round
	// trips. The map entry is the reservation; concurrent launches
	// observe it through the same lock, so nobody double-books. Any
	// failure past this point releases it.
	o.mu.Lock()
	if o.usedUnitsLocked()+params.Units > o.cfg.Billing.TotalUnits {
		o.mu.Unlock()
		return nil, interfaces.ErrCapacityExceeded
	}
	for _, other := range o.containers {
		if other.rec.Name == name {
			o.mu.Unlock()
			return nil, interfaces.ErrNameTaken
		}
	}
	rec.PortsFrom = o.allocPortsLocked()
	o.containers[rec.Pubkey] = c
	o.mu.Unlock()

	release := func() {
		o.mu.Lock()
		delete(o.containers, rec.Pubkey)
		o.mu.Unlock()
	}

	// The wallet must know the new keypair before any invoice can be
	// created against it.
	serviceClient, err := o.wallets.ClientFor(o.sgn.Seckey())
	if err != nil {
		release()
		return nil, err
	}
	if err := serviceClient.AuthorizePubkey(ctx, sgn.Pubkey()); err != nil {
		release()
		return nil, fmt.Errorf("registering container with wallet: %w", err)
	}

	containerClient, err := o.wallets.ClientFor(sgn.Seckey())
	if err != nil {
		release()
		return nil, err
	}
	amount := int64(params.Units) * o.cfg.Billing.PriceMsat
	invoice, err := containerClient.MakeInvoice(ctx, amount, fmt.Sprintf("launch %s", name))
	if err != nil {
		release()
		return nil, fmt.Errorf("creating launch invoice: %w", err)
	}

	c.Locked(func(rec *interfaces.ContainerRecord) { rec.PaymentHash = invoice.PaymentHash })
	persisted := c.Record()
	if err := o.store.Insert(&persisted); err != nil {
		release()
		return nil, fmt.Errorf("persisting container record: %w", err)
	}

	o.log.Info("Container admitted",
		"pubkey", rec.Pubkey,
		"name", name,
		"units", params.Units,
		"image", params.Docker)
	o.requestAnnounce(c)

	return &wire.LaunchResult{Pubkey: rec.Pubkey, Invoice: invoice}, nil
}

// GetContainerInfo returns the read-only billing projection.
func (o *Orchestrator) GetContainerInfo(pubkey interfaces.Pubkey) (*interfaces.ContainerInfo, error) {
	c, err := o.byPubkey(pubkey)
	if err != nil {
		return nil, err
	}
	rec := c.Record()
	return &interfaces.ContainerInfo{
		Pubkey:       rec.Pubkey,
		Balance:      rec.Balance,
		UptimeCount:  rec.UptimeCount,
		UptimePaid:   rec.UptimePaid,
		Units:        rec.Units,
		PriceMsat:    int64(rec.Units) * o.cfg.Billing.PriceMsat,
		IntervalSec:  o.cfg.Billing.IntervalSec,
		WalletPubkey: o.WalletPubkey(),
		State:        rec.State.String(),
	}, nil
}

// SetAppInfo records a workload's self-reported identity. When the
// builtin wallet reports, the payment factory learns the wallet
// identity and startup reconciliation completes.
func (o *Orchestrator) SetAppInfo(ctx context.Context, c *Container, info *interfaces.AppInfo) error {
	if info == nil || info.Pubkey == "" {
		return interfaces.ErrInvalidParams
	}
	if _, err := interfaces.NewPubkey(string(info.Pubkey)); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrInvalidParams, err)
	}

	c.SetAppInfo(info)
	rec := c.Record()
	o.log.Info("Workload reported identity", "container", rec.Pubkey, "app", info.Pubkey, "name", info.Name)

	if rec.IsBuiltin && rec.Name == o.cfg.Service.WalletName {
		o.mu.Lock()
		o.walletPubkey = info.Pubkey
		o.mu.Unlock()
		o.wallets.SetWallet(info.Pubkey)
		o.finishStartup(ctx)
	}

	o.requestAnnounce(c)
	return nil
}

// CreateCertificate issues the chain for an application key running
// inside the given container: attestation root, container certificate
// signed by the service, app certificate signed by the container.
func (o *Orchestrator) CreateCertificate(c *Container, appPubkey interfaces.Pubkey) (*wire.CertificateResult, error) {
	if _, err := interfaces.NewPubkey(string(appPubkey)); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidParams, err)
	}

	pubkeyBytes, err := o.sgn.Pubkey().Bytes()
	if err != nil {
		return nil, err
	}
	info, err := o.attestation.Attest(pubkeyBytes)
	if err != nil {
		return nil, fmt.Errorf("attesting service key: %w", err)
	}
	root, err := certs.Root(info, o.sgn)
	if err != nil {
		return nil, err
	}

	rec := c.Record()
	containerCert, err := certs.Container(&rec, o.sgn)
	if err != nil {
		return nil, err
	}
	appCert, err := certs.App(c.Signer(), appPubkey)
	if err != nil {
		return nil, err
	}

	return &wire.CertificateResult{
		Root:  root,
		Certs: []*wire.Envelope{containerCert, appCert},
	}, nil
}

// Logs streams the container's workload logs.
func (o *Orchestrator) Logs(ctx context.Context, c *Container, follow bool) (io.ReadCloser, error) {
	rec := c.Record()
	return o.runtime.Logs(ctx, &rec, follow)
}

// onPaymentNotification refreshes the balance snapshot of the affected
// container so the paused path of the next charge pass sees fresh
// numbers.
func (o *Orchestrator) onPaymentNotification(pubkey interfaces.Pubkey) {
	c, err := o.byPubkey(pubkey)
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		o.refreshBalance(ctx, c)
	}()
}

// NotifyPayment is the factory notification hook.
func (o *Orchestrator) NotifyPayment(pubkey interfaces.Pubkey) {
	o.onPaymentNotification(pubkey)
}

func (o *Orchestrator) refreshBalance(ctx context.Context, c *Container) {
	rec := c.Record()
	client, err := o.wallets.ClientFor(rec.Seckey)
	if err != nil {
		return
	}
	balance, err := client.GetBalance(ctx)
	if err != nil {
		o.log.Debug("Balance refresh failed", "pubkey", rec.Pubkey, "err", err)
		return
	}
	if err := o.store.SetBalance(rec.Pubkey, balance); err != nil {
		o.log.Error("Failed to persist balance", "pubkey", rec.Pubkey, "err", err)
		return
	}
	c.Locked(func(rec *interfaces.ContainerRecord) { rec.Balance = balance })
}

// updateGauges publishes the container population to the metrics
// registry.
func (o *Orchestrator) updateGauges() {
	byState := make(map[string]int)
	units := 0
	for _, c := range o.list() {
		rec := c.Record()
		byState[rec.State.String()]++
		units += rec.Units
	}
	metrics.SetContainerGauges(byState, units)
}
