package enclave

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/enclaved-org/enclaved/interfaces"
	"github.com/enclaved-org/enclaved/metrics"
	"github.com/enclaved-org/enclaved/wire"
)

// releaseDecl is the content of a signed release envelope: the
// digest-pinned image reference of the release and its version.
type releaseDecl struct {
	Docker  string `json:"docker"`
	Version string `json:"version"`
	Digest  string `json:"digest,omitempty"`
}

// upgradePass checks every deployed, auto-upgrading container for newer
// signed releases of its image.
func (o *Orchestrator) upgradePass(ctx context.Context) {
	for _, c := range o.list() {
		if ctx.Err() != nil {
			return
		}
		rec := c.Record()
		if !rec.AutoUpgrade() || rec.State != interfaces.StateDeployed {
			continue
		}
		if err := o.checkUpgrade(ctx, c); err != nil {
			o.log.Warn("Upgrade check failed", "pubkey", rec.Pubkey, "err", err)
		}
	}
}

// checkUpgrade reads the running image's release-channel labels, fetches
// newer release announcements from the declared signers, and tries
// candidates newest to oldest. If an attempt starts and every candidate
// fails, the container is rolled back to the image it ran before.
func (o *Orchestrator) checkUpgrade(ctx context.Context, c *Container) error {
	rec := c.Record()

	labels, err := o.runtime.ImageLabels(ctx, rec.ImageRef)
	if err != nil {
		return fmt.Errorf("reading image labels: %w", err)
	}
	if len(labels.Signers) == 0 || labels.Repo == "" || len(labels.UpgradeRelays) == 0 {
		// Image does not participate in the release channel.
		return nil
	}

	envs, err := o.transport.Fetch(ctx, labels.UpgradeRelays, &wire.Filter{
		Kinds:   []int{wire.KindRelease},
		Authors: labels.Signers,
		Refs:    []string{labels.Repo},
	})
	if err != nil {
		return fmt.Errorf("fetching releases: %w", err)
	}

	candidates := make([]*releaseDecl, 0, len(envs))
	for _, env := range envs {
		var decl releaseDecl
		if err := json.Unmarshal([]byte(env.Content), &decl); err != nil {
			continue
		}
		if decl.Docker == "" || decl.Version == "" || decl.Version == labels.Version {
			continue
		}
		candidates = append(candidates, &decl)
	}
	if len(candidates) == 0 {
		return nil
	}

	if !c.BeginUpgrade() {
		return nil
	}
	defer c.EndUpgrade()

	prevRef := rec.ImageRef
	for _, decl := range candidates {
		if ctx.Err() != nil {
			break
		}
		if err := o.verifyCandidate(ctx, labels, decl); err != nil {
			o.log.Warn("Release candidate rejected",
				"pubkey", rec.Pubkey,
				"candidate", decl.Docker,
				"err", err)
			continue
		}
		if err := o.swapImage(ctx, c, decl.Docker); err != nil {
			o.log.Warn("Upgrade attempt failed",
				"pubkey", rec.Pubkey,
				"candidate", decl.Docker,
				"err", err)
			metrics.RecordUpgrade("attempt_failed")
			continue
		}

		metrics.RecordUpgrade("ok")
		o.log.Info("Container upgraded",
			"pubkey", rec.Pubkey,
			"from", prevRef,
			"to", decl.Docker,
			"version", decl.Version)
		o.requestAnnounce(c)
		return nil
	}

	// Every candidate failed; make sure the container runs what it ran
	// before the attempt started.
	if c.Record().ImageRef != prevRef {
		if err := o.swapImage(ctx, c, prevRef); err != nil {
			metrics.RecordUpgrade("rollback_failed")
			return fmt.Errorf("rolling back to %s: %w", prevRef, err)
		}
		metrics.RecordUpgrade("rolled_back")
		o.log.Warn("Rolled back after failed upgrade", "pubkey", rec.Pubkey, "image", prevRef)
	}
	return nil
}

// verifyCandidate checks the announced release against the registry:
// the candidate image must carry the exact declared repo and version and,
// when the release pins a config digest, match it.
func (o *Orchestrator) verifyCandidate(ctx context.Context, current *interfaces.ImageLabels, decl *releaseDecl) error {
	candLabels, err := o.inspector.Labels(ctx, decl.Docker)
	if err != nil {
		return fmt.Errorf("fetching candidate labels: %w", err)
	}
	if candLabels.Repo != current.Repo {
		return fmt.Errorf("repo mismatch: %q != %q", candLabels.Repo, current.Repo)
	}
	if candLabels.Version != decl.Version {
		return fmt.Errorf("version mismatch: image says %q, release says %q", candLabels.Version, decl.Version)
	}

	if decl.Digest != "" {
		manifest, err := o.inspector.Manifest(ctx, decl.Docker)
		if err != nil {
			return fmt.Errorf("fetching candidate manifest: %w", err)
		}
		if manifest.ConfigDigest != decl.Digest {
			return fmt.Errorf("digest mismatch: %s != %s", manifest.ConfigDigest, decl.Digest)
		}
	}
	return nil
}

// swapImage brings the workload down, swaps the image reference, brings
// it back up and persists the new reference. On failure the candidate
// reference stays in memory; checkUpgrade compares it against the
// previous one and swaps back.
func (o *Orchestrator) swapImage(ctx context.Context, c *Container, ref string) error {
	rec := c.Record()
	if err := o.runtime.Down(ctx, &rec); err != nil {
		return fmt.Errorf("bringing workload down: %w", err)
	}

	c.Locked(func(rec *interfaces.ContainerRecord) { rec.ImageRef = ref })
	rec = c.Record()
	if err := o.runtime.Up(ctx, &rec); err != nil {
		return fmt.Errorf("bringing workload up on %s: %w", ref, err)
	}

	if err := o.store.SetImageRef(rec.Pubkey, ref); err != nil {
		return fmt.Errorf("persisting image reference: %w", err)
	}
	return nil
}
