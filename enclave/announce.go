package enclave

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/enclaved-org/enclaved/certs"
	"github.com/enclaved-org/enclaved/common"
	"github.com/enclaved-org/enclaved/metrics"
	"github.com/enclaved-org/enclaved/wire"
)

const announceTimeout = 30 * time.Second

// requestAnnounce schedules an asynchronous announcement for the
// container. Calls while one is already in flight coalesce into it; a
// short delay batches bursts of state changes into one envelope.
func (o *Orchestrator) requestAnnounce(c *Container) {
	if !c.announcing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.announcing.Store(false)
		time.Sleep(time.Second)

		ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
		defer cancel()
		if err := o.announceContainer(ctx, c); err != nil {
			o.log.Warn("Container announcement failed", "pubkey", c.Pubkey(), "err", err)
		}
	}()
}

// announcePass re-announces every container on the periodic tick so
// relays that joined late converge.
func (o *Orchestrator) announcePass(ctx context.Context) {
	for _, c := range o.list() {
		if ctx.Err() != nil {
			return
		}
		if err := o.announceContainer(ctx, c); err != nil {
			o.log.Warn("Container announcement failed", "pubkey", c.Pubkey(), "err", err)
		}
	}
}

// containerStatus is the public content of a container announcement.
type containerStatus struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Balance int64  `json:"balance"`
	Units   int    `json:"units"`
	Builtin bool   `json:"builtin,omitempty"`
	App     string `json:"app,omitempty"`
}

// announceContainer publishes the container's signed status envelope
// and its certificate from the service identity. When the workload has
// reported an application key, the app certificate chaining from the
// container key goes out with the bundle.
func (o *Orchestrator) announceContainer(ctx context.Context, c *Container) error {
	rec := c.Record()
	info := c.AppInfo()

	status := containerStatus{
		Name:    rec.Name,
		State:   rec.State.String(),
		Balance: rec.Balance,
		Units:   rec.Units,
		Builtin: rec.IsBuiltin,
	}
	if info != nil {
		status.App = string(info.Pubkey)
	}
	content, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshaling container status: %w", err)
	}

	env := &wire.Envelope{
		Kind:    wire.KindContainer,
		Content: string(content),
		Tags: [][]string{
			{"t", rec.State.String()},
			{"r", "docker://" + rec.ImageRef},
			{"p", string(o.sgn.Pubkey()), "host"},
		},
	}
	if err := wire.Finalize(env, c.Signer()); err != nil {
		return err
	}

	cert, err := certs.Container(&rec, o.sgn)
	if err != nil {
		return err
	}

	bundle := []*wire.Envelope{env, cert}
	if info != nil {
		appCert, err := certs.App(c.Signer(), info.Pubkey)
		if err != nil {
			return err
		}
		bundle = append(bundle, appCert)
	}

	for _, e := range bundle {
		err := o.transport.Publish(ctx, o.cfg.Service.Relays, e)
		metrics.RecordAnnouncement("container", err == nil)
		if err != nil {
			return err
		}
		o.archiveEnvelope(ctx, e)
	}
	return nil
}

// serviceAnnounceLoop publishes the service announcement hourly. A
// failed attempt is retried at a tenth of the interval so a transient
// relay outage does not leave the service unannounced for an hour.
func (o *Orchestrator) serviceAnnounceLoop(ctx context.Context) {
	interval := serviceAnnounceTick
	retry := interval / 10

	for {
		wait := interval
		if err := o.announceService(ctx); err != nil {
			o.log.Warn("Service announcement failed", "err", err)
			wait = retry
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// serviceProfile is the public content of the hourly service
// announcement.
type serviceProfile struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Env        string `json:"env"`
	TotalUnits int    `json:"totalUnits"`
	UsedUnits  int    `json:"usedUnits"`
	Containers int    `json:"containers"`
	PriceMsat  int64  `json:"price"`
	Interval   int64  `json:"interval"`
}

// announceService publishes the attestation root certificate, the
// service profile with current capacity numbers, and the relay list.
func (o *Orchestrator) announceService(ctx context.Context) error {
	pubkeyBytes, err := o.sgn.Pubkey().Bytes()
	if err != nil {
		return err
	}
	info, err := o.attestation.Attest(pubkeyBytes)
	if err != nil {
		return fmt.Errorf("attesting service key: %w", err)
	}
	root, err := certs.Root(info, o.sgn)
	if err != nil {
		return err
	}

	used, count := 0, 0
	for _, c := range o.list() {
		rec := c.Record()
		used += rec.Units
		count++
	}
	profile := serviceProfile{
		Name:       common.PackageName,
		Version:    common.Version,
		Env:        string(info.Env),
		TotalUnits: o.cfg.Billing.TotalUnits,
		UsedUnits:  used,
		Containers: count,
		PriceMsat:  o.cfg.Billing.PriceMsat,
		Interval:   o.cfg.Billing.IntervalSec,
	}
	content, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshaling service profile: %w", err)
	}

	announcement := &wire.Envelope{
		Kind:    wire.KindAnnouncement,
		Content: string(content),
		Tags:    [][]string{{"t", string(info.Env)}},
	}
	if err := wire.Finalize(announcement, o.sgn); err != nil {
		return err
	}

	relayList := &wire.Envelope{Kind: wire.KindRelays}
	for _, url := range o.cfg.Service.Relays {
		relayList.Tags = append(relayList.Tags, []string{"r", url})
	}
	if err := wire.Finalize(relayList, o.sgn); err != nil {
		return err
	}

	for _, e := range []*wire.Envelope{root, announcement, relayList} {
		err := o.transport.Publish(ctx, o.cfg.Service.Relays, e)
		metrics.RecordAnnouncement("service", err == nil)
		if err != nil {
			return err
		}
		o.archiveEnvelope(ctx, e)
	}

	o.log.Debug("Service announced", "env", info.Env, "containers", count, "used_units", used)
	return nil
}

// archiveEnvelope stores a published envelope in the archive, if one is
// configured. Archive failures never fail the publish path.
func (o *Orchestrator) archiveEnvelope(ctx context.Context, env *wire.Envelope) {
	if o.archive == nil {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := o.archive.Put(ctx, env.ID, data); err != nil {
		o.log.Warn("Failed to archive envelope", "id", env.ID, "err", err)
	}
}
