package enclave

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/enclaved-org/enclaved/interfaces"
	"github.com/enclaved-org/enclaved/metrics"
)

// transientRetries bounds how often a single charge pass retries a
// transient payment failure before leaving the rest to the next tick.
const transientRetries = 3

// uptimePass increments the uptime counter of every deployed
// non-builtin container. Uptime accrues whether or not billing keeps
// up; the charge loop collects on the difference.
func (o *Orchestrator) uptimePass(ctx context.Context) {
	for _, c := range o.list() {
		rec := c.Record()
		if rec.IsBuiltin || rec.State != interfaces.StateDeployed {
			continue
		}

		var count int64
		c.Locked(func(rec *interfaces.ContainerRecord) {
			rec.UptimeCount++
			count = rec.UptimeCount
		})
		if err := o.store.SetUptimeCount(rec.Pubkey, count); err != nil {
			o.log.Error("Failed to persist uptime", "pubkey", rec.Pubkey, "err", err)
		}
	}
	o.updateGauges()
}

// chargePass reconciles billing state for every non-builtin container:
// deployed containers that owe are charged, paused containers are
// resumed when covered or fundable, waiting containers have their first
// invoice polled.
func (o *Orchestrator) chargePass(ctx context.Context) {
	if !o.wallets.WalletKnown() {
		return
	}
	for _, c := range o.list() {
		if ctx.Err() != nil {
			return
		}
		rec := c.Record()
		if rec.IsBuiltin || c.Upgrading() {
			continue
		}

		switch rec.State {
		case interfaces.StateDeployed:
			o.collectUptime(ctx, c)
		case interfaces.StatePaused:
			o.tryResume(ctx, c)
		case interfaces.StateWaiting:
			o.pollLaunchInvoice(ctx, c)
		}
	}
}

// collectUptime charges a deployed container until its paid ticks catch
// up with accrued uptime. Each successful payment advances uptimePaid
// by one billing interval. Only a definitive insufficient-balance
// failure pauses the container; everything else is retried.
func (o *Orchestrator) collectUptime(ctx context.Context, c *Container) {
	rec := c.Record()
	if !rec.Owes() {
		return
	}

	retries := 0
	for rec.Owes() {
		if ctx.Err() != nil {
			return
		}

		err := o.chargeOnce(ctx, c)
		if err == nil {
			retries = 0
			rec = c.Record()
			continue
		}

		if errors.Is(err, interfaces.ErrInsufficientBalance) {
			o.log.Info("Container out of balance, pausing", "pubkey", rec.Pubkey)
			o.refreshBalance(ctx, c)
			if err := o.changeState(ctx, c, interfaces.StatePaused); err != nil {
				o.log.Error("Failed to pause container", "pubkey", rec.Pubkey, "err", err)
			}
			return
		}

		retries++
		o.log.Warn("Charge failed, will retry",
			"pubkey", rec.Pubkey,
			"attempt", retries,
			"err", err)
		if retries >= transientRetries {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// chargeOnce moves one interval's worth of funds from the container's
// counterparty to the service's: the service creates an invoice and the
// container pays it.
func (o *Orchestrator) chargeOnce(ctx context.Context, c *Container) error {
	start := time.Now()
	rec := c.Record()
	amount := int64(rec.Units) * o.cfg.Billing.PriceMsat

	serviceClient, err := o.wallets.ClientFor(o.sgn.Seckey())
	if err != nil {
		return err
	}
	containerClient, err := o.wallets.ClientFor(rec.Seckey)
	if err != nil {
		return err
	}

	invoice, err := serviceClient.MakeInvoice(ctx, amount, fmt.Sprintf("uptime %s", rec.Name))
	if err != nil {
		metrics.RecordCharge("invoice_error", time.Since(start))
		return fmt.Errorf("creating uptime invoice: %w", err)
	}
	if err := containerClient.PayInvoice(ctx, invoice.Invoice); err != nil {
		if errors.Is(err, interfaces.ErrInsufficientBalance) {
			metrics.RecordCharge("insufficient_balance", time.Since(start))
		} else {
			metrics.RecordCharge("payment_error", time.Since(start))
		}
		return err
	}

	var paid int64
	c.Locked(func(rec *interfaces.ContainerRecord) {
		rec.UptimePaid += o.cfg.Billing.IntervalSec
		paid = rec.UptimePaid
	})
	if err := o.store.SetUptimePaid(rec.Pubkey, paid); err != nil {
		o.log.Error("Failed to persist paid uptime", "pubkey", rec.Pubkey, "err", err)
	}
	o.refreshBalance(ctx, c)

	metrics.RecordCharge("ok", time.Since(start))
	o.log.Debug("Charged container",
		"pubkey", rec.Pubkey,
		"amount_msat", amount,
		"uptime_paid", paid)
	return nil
}

// tryResume brings a paused container back when its obligations are
// already covered, or when the last known balance looks sufficient for
// one interval and a charge succeeds.
func (o *Orchestrator) tryResume(ctx context.Context, c *Container) {
	rec := c.Record()

	if rec.UptimePaid > rec.UptimeCount {
		if err := o.changeState(ctx, c, interfaces.StateDeployed); err != nil {
			o.log.Error("Failed to resume container", "pubkey", rec.Pubkey, "err", err)
		}
		return
	}

	amount := int64(rec.Units) * o.cfg.Billing.PriceMsat
	if rec.Balance < amount {
		return
	}

	if err := o.chargeOnce(ctx, c); err != nil {
		if errors.Is(err, interfaces.ErrInsufficientBalance) {
			// The snapshot was stale, refresh so we stop trying.
			o.refreshBalance(ctx, c)
		}
		return
	}
	if err := o.changeState(ctx, c, interfaces.StateDeployed); err != nil {
		o.log.Error("Failed to resume container", "pubkey", rec.Pubkey, "err", err)
	}
}

// pollLaunchInvoice checks a waiting container's first invoice. On
// settlement the container deploys with fresh uptime accounting; on
// expiry it is removed entirely.
func (o *Orchestrator) pollLaunchInvoice(ctx context.Context, c *Container) {
	rec := c.Record()
	if rec.PaymentHash == "" {
		// Admission still holds its reservation; no invoice exists yet.
		return
	}
	client, err := o.wallets.ClientFor(rec.Seckey)
	if err != nil {
		return
	}

	invoice, err := client.LookupInvoice(ctx, rec.PaymentHash)
	if err != nil {
		if errors.Is(err, interfaces.ErrInvoiceNotFound) {
			o.log.Warn("Launch invoice vanished, removing container", "pubkey", rec.Pubkey)
			o.removeContainer(ctx, c)
		}
		return
	}

	switch {
	case invoice.State == interfaces.InvoiceSettled:
		o.log.Info("Launch invoice settled", "pubkey", rec.Pubkey, "name", rec.Name)
		o.refreshBalance(ctx, c)
		if err := o.changeState(ctx, c, interfaces.StateDeployed); err != nil {
			o.log.Error("Failed to deploy paid container", "pubkey", rec.Pubkey, "err", err)
		}
	case invoice.State == interfaces.InvoiceExpired,
		invoice.ExpiresAt > 0 && time.Now().Unix() > invoice.ExpiresAt:
		o.log.Info("Launch invoice expired", "pubkey", rec.Pubkey, "name", rec.Name)
		o.removeContainer(ctx, c)
	}
}
