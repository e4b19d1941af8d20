package interfaces

import (
	"context"
	"io"
)

// ContainerRuntime translates a container record into imperative calls
// against the underlying container engine. Up is declarative: it pulls
// the image, reconciles persistent volumes against the image's declared
// mount points, and brings the workload up with resource limits scaled
// by the record's units.
type ContainerRuntime interface {
	Up(ctx context.Context, rec *ContainerRecord) error
	Stop(ctx context.Context, rec *ContainerRecord) error
	Down(ctx context.Context, rec *ContainerRecord) error
	Logs(ctx context.Context, rec *ContainerRecord, follow bool) (io.ReadCloser, error)
	Exec(ctx context.Context, rec *ContainerRecord, cmd []string) (string, error)

	// ImageLabels reads the release-channel labels of an image already
	// present on the host.
	ImageLabels(ctx context.Context, imageRef string) (*ImageLabels, error)
}

// ImageManifest describes the registry manifest of a container image.
type ImageManifest struct {
	ConfigDigest string
	LayerSize    int64
}

// ImageLabels are the release-channel labels embedded in an image
// config: the signer set, source repository, upgrade-check relays and
// version declared by the image publisher.
type ImageLabels struct {
	Signers       []Pubkey
	Repo          string
	UpgradeRelays []string
	Version       string
}

// ImageInspector fetches manifests and labels without running the
// image. Used by launch admission and the upgrade checker.
type ImageInspector interface {
	Manifest(ctx context.Context, imageRef string) (*ImageManifest, error)
	Labels(ctx context.Context, imageRef string) (*ImageLabels, error)
}
