package runtime

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"github.com/enclaved-org/enclaved/interfaces"
)

// MockRuntime mocks the ContainerRuntime interface.
type MockRuntime struct {
	mock.Mock
}

func (m *MockRuntime) Up(ctx context.Context, rec *interfaces.ContainerRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockRuntime) Stop(ctx context.Context, rec *interfaces.ContainerRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockRuntime) Down(ctx context.Context, rec *interfaces.ContainerRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockRuntime) Logs(ctx context.Context, rec *interfaces.ContainerRecord, follow bool) (io.ReadCloser, error) {
	args := m.Called(ctx, rec, follow)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func (m *MockRuntime) Exec(ctx context.Context, rec *interfaces.ContainerRecord, cmd []string) (string, error) {
	args := m.Called(ctx, rec, cmd)
	return args.String(0), args.Error(1)
}

func (m *MockRuntime) ImageLabels(ctx context.Context, imageRef string) (*interfaces.ImageLabels, error) {
	args := m.Called(ctx, imageRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.ImageLabels), args.Error(1)
}

// MockInspector mocks the ImageInspector interface.
type MockInspector struct {
	mock.Mock
}

func (m *MockInspector) Manifest(ctx context.Context, imageRef string) (*interfaces.ImageManifest, error) {
	args := m.Called(ctx, imageRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.ImageManifest), args.Error(1)
}

func (m *MockInspector) Labels(ctx context.Context, imageRef string) (*interfaces.ImageLabels, error) {
	args := m.Called(ctx, imageRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.ImageLabels), args.Error(1)
}
