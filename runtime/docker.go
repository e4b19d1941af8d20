// Package runtime adapts container records to the Docker engine: it
// pulls images, reconciles sized persistent volumes against the image's
// declared mount points, and runs workloads under resource limits
// scaled by the record's units.
package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"

	"github.com/enclaved-org/enclaved/interfaces"
)

// Resource scale per unit. One unit buys a tenth of a CPU, 50MB of
// memory, 10 pids and 50MB of disk.
const (
	CPUNanosPerUnit      = 100_000_000
	MemoryMBPerUnit      = 50
	PidsPerUnit          = 10
	DiskMBPerUnit        = 50
	MaxUnitsPerContainer = 50
)

const managedLabel = "org.enclaved.managed"

// Config tunes the Docker adapter.
type Config struct {
	// Network is the shared bridge all workloads attach to.
	Network string
	// Env is the value injected as the ENCLAVE environment marker.
	Env interfaces.RuntimeEnv
}

// DockerRuntime implements interfaces.ContainerRuntime with the Docker
// SDK.
type DockerRuntime struct {
	cli *client.Client
	cfg Config
	log *slog.Logger
}

// NewDockerRuntime connects to the local Docker engine.
func NewDockerRuntime(cfg Config, log *slog.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if cfg.Network == "" {
		cfg.Network = "enclaves"
	}
	return &DockerRuntime{cli: cli, cfg: cfg, log: log}, nil
}

func containerName(rec *interfaces.ContainerRecord) string {
	return "enclaved-" + string(rec.Pubkey)
}

// volumeName derives a stable volume name from the container identity
// and the mount path.
func volumeName(rec *interfaces.ContainerRecord, path string) string {
	h := sha256.Sum256([]byte(path))
	return fmt.Sprintf("%s-%s", rec.Pubkey[:12], hex.EncodeToString(h[:])[:14])
}

// Up pulls the image, reconciles volumes and brings the workload up.
// Calling Up for an already-running workload recreates it against the
// current record, which is how image swaps are applied.
func (d *DockerRuntime) Up(ctx context.Context, rec *interfaces.ContainerRecord) error {
	if rec.ImageRef == "" {
		return fmt.Errorf("%w: no image ref", interfaces.ErrInvalidParams)
	}
	if rec.Units < 1 || rec.Units > MaxUnitsPerContainer {
		return fmt.Errorf("%w: units must be 1..%d", interfaces.ErrInvalidParams, MaxUnitsPerContainer)
	}

	if err := d.pull(ctx, rec.ImageRef); err != nil {
		return err
	}

	mounts, err := d.reconcileVolumes(ctx, rec)
	if err != nil {
		return err
	}

	// remove a previous incarnation if one exists
	if err := d.remove(ctx, rec); err != nil {
		return err
	}

	cfg, hostCfg, netCfg := d.runSpec(rec, mounts)
	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, containerName(rec))
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}

	d.log.Info("container up", "name", rec.Name, "image", rec.ImageRef,
		"units", rec.Units, "disk", units.HumanSize(float64(rec.Units*DiskMBPerUnit)*1e6))
	return nil
}

func (d *DockerRuntime) pull(ctx context.Context, ref string) error {
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image: %w", err)
	}
	defer reader.Close()
	// drain the progress stream; the pull is not done until EOF
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// reconcileVolumes creates a sized volume per mount point the image
// declares and removes volumes from mount points the image no longer
// declares.
func (d *DockerRuntime) reconcileVolumes(ctx context.Context, rec *interfaces.ContainerRecord) (map[string]string, error) {
	inspect, _, err := d.cli.ImageInspectWithRaw(ctx, rec.ImageRef)
	if err != nil {
		return nil, fmt.Errorf("inspecting image: %w", err)
	}

	var paths []string
	for path := range inspect.Config.Volumes {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	mounts := make(map[string]string, len(paths)) // volume name -> mount path
	if len(paths) > 0 {
		sizeMB := rec.Units * DiskMBPerUnit / len(paths)
		for _, path := range paths {
			name := volumeName(rec, path)
			mounts[name] = path
			_, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{
				Name:   name,
				Driver: "local",
				DriverOpts: map[string]string{
					"o": fmt.Sprintf("size=%dM", sizeMB),
				},
				Labels: map[string]string{managedLabel: string(rec.Pubkey)},
			})
			if err != nil {
				return nil, fmt.Errorf("creating volume %s: %w", name, err)
			}
		}
	}

	// drop stale volumes belonging to this container
	existing, err := d.cli.VolumeList(ctx, volume.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", managedLabel+"="+string(rec.Pubkey))),
	})
	if err != nil {
		return nil, fmt.Errorf("listing volumes: %w", err)
	}
	for _, v := range existing.Volumes {
		if _, used := mounts[v.Name]; !used {
			if err := d.cli.VolumeRemove(ctx, v.Name, false); err != nil {
				d.log.Warn("failed to remove stale volume", "volume", v.Name, "err", err)
			}
		}
	}

	return mounts, nil
}

// runSpec builds the declarative container configuration: resource
// limits scaled by units, the environment map with the ENCLAVE marker,
// the container's reserved port range mapped one-to-one, and the shared
// workload network.
func (d *DockerRuntime) runSpec(rec *interfaces.ContainerRecord, mounts map[string]string) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	env := []string{"ENCLAVE=" + string(d.cfg.Env)}
	for k, v := range rec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for i := 0; i < PortsPerContainer; i++ {
		p := nat.Port(fmt.Sprintf("%d/tcp", rec.PortsFrom+i))
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostPort: fmt.Sprintf("%d", rec.PortsFrom+i)}}
	}

	var binds []string
	for name, path := range mounts {
		binds = append(binds, name+":"+path)
	}
	sort.Strings(binds)

	cfg := &container.Config{
		Image:        rec.ImageRef,
		Env:          env,
		ExposedPorts: exposed,
		Labels:       map[string]string{managedLabel: string(rec.Pubkey)},
	}
	hostCfg := &container.HostConfig{
		Binds:        binds,
		PortBindings: bindings,
		RestartPolicy: container.RestartPolicy{
			Name:              container.RestartPolicyOnFailure,
			MaximumRetryCount: 10,
		},
		StorageOpt: map[string]string{
			"size": fmt.Sprintf("%dM", rec.Units*DiskMBPerUnit),
		},
		Resources: container.Resources{
			NanoCPUs:  int64(rec.Units) * CPUNanosPerUnit,
			Memory:    int64(rec.Units) * MemoryMBPerUnit * 1024 * 1024,
			PidsLimit: pidsLimit(rec.Units),
		},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			d.cfg.Network: {},
		},
	}
	return cfg, hostCfg, netCfg
}

func pidsLimit(units int) *int64 {
	n := int64(units) * PidsPerUnit
	return &n
}

// Stop halts the workload but keeps the container and its volumes.
func (d *DockerRuntime) Stop(ctx context.Context, rec *interfaces.ContainerRecord) error {
	timeout := 10
	err := d.cli.ContainerStop(ctx, containerName(rec), container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("stopping container: %w", err)
	}
	return nil
}

// Down stops and removes the workload container.
func (d *DockerRuntime) Down(ctx context.Context, rec *interfaces.ContainerRecord) error {
	if err := d.Stop(ctx, rec); err != nil {
		return err
	}
	return d.remove(ctx, rec)
}

func (d *DockerRuntime) remove(ctx context.Context, rec *interfaces.ContainerRecord) error {
	err := d.cli.ContainerRemove(ctx, containerName(rec), container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

// Logs streams the workload's logs.
func (d *DockerRuntime) Logs(ctx context.Context, rec *interfaces.ContainerRecord, follow bool) (io.ReadCloser, error) {
	return d.cli.ContainerLogs(ctx, containerName(rec), container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       "500",
	})
}

// Exec runs a one-off command inside the running workload and returns
// its combined output.
func (d *DockerRuntime) Exec(ctx context.Context, rec *interfaces.ContainerRecord, cmd []string) (string, error) {
	exec, err := d.cli.ContainerExecCreate(ctx, containerName(rec), container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("creating exec: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("attaching exec: %w", err)
	}
	defer attach.Close()

	out, err := io.ReadAll(attach.Reader)
	if err != nil {
		return "", fmt.Errorf("reading exec output: %w", err)
	}
	return string(out), nil
}

// ImageLabels reads the release-channel labels of a locally present
// image.
func (d *DockerRuntime) ImageLabels(ctx context.Context, imageRef string) (*interfaces.ImageLabels, error) {
	inspect, _, err := d.cli.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		return nil, fmt.Errorf("inspecting image: %w", err)
	}
	return ParseImageLabels(inspect.Config.Labels)
}

// WaitReady polls the engine until it responds or the context expires.
func (d *DockerRuntime) WaitReady(ctx context.Context) error {
	for {
		if _, err := d.cli.Ping(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// PortsPerContainer is the stride of the reserved port range.
const PortsPerContainer = 100

// MinPortsFrom is the floor of the reserved port space.
const MinPortsFrom = 5000
