package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/enclaved-org/enclaved/enclave"
	"github.com/enclaved-org/enclaved/interfaces"
	"github.com/enclaved-org/enclaved/signer"
	"github.com/enclaved-org/enclaved/wire"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Ready() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockBackend) ByToken(token string) (*enclave.Container, error) {
	args := m.Called(token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*enclave.Container), args.Error(1)
}

func (m *mockBackend) SetAppInfo(ctx context.Context, c *enclave.Container, info *interfaces.AppInfo) error {
	args := m.Called(ctx, c, info)
	return args.Error(0)
}

func (m *mockBackend) GetContainerInfo(pubkey interfaces.Pubkey) (*interfaces.ContainerInfo, error) {
	args := m.Called(pubkey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.ContainerInfo), args.Error(1)
}

func (m *mockBackend) CreateCertificate(c *enclave.Container, appPubkey interfaces.Pubkey) (*wire.CertificateResult, error) {
	args := m.Called(c, appPubkey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*wire.CertificateResult), args.Error(1)
}

func (m *mockBackend) Logs(ctx context.Context, c *enclave.Container, follow bool) (io.ReadCloser, error) {
	args := m.Called(ctx, c, follow)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func testContainer(t *testing.T) *enclave.Container {
	t.Helper()
	sgn, err := signer.Generate()
	require.NoError(t, err)
	c, err := enclave.NewContainer(&interfaces.ContainerRecord{
		Pubkey: sgn.Pubkey(),
		Seckey: sgn.Seckey(),
		Token:  "test-token",
		Name:   "web",
		State:  interfaces.StateDeployed,
	})
	require.NoError(t, err)
	return c
}

func newTestHandler(t *testing.T) (*Handler, *mockBackend, *enclave.Container) {
	t.Helper()
	backend := new(mockBackend)
	c := testContainer(t)
	backend.On("ByToken", "test-token").Return(c, nil).Maybe()
	backend.On("ByToken", mock.Anything).Return(nil, interfaces.ErrContainerNotFound).Maybe()
	h := NewHandler(backend, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h, backend, c
}

func authedRequest(method, path string, body io.Reader) *http.Request {
	r := httptest.NewRequest(method, path, body)
	r.Header.Set("Authorization", "Bearer test-token")
	return r
}

func TestHandlerRejectsMissingToken(t *testing.T) {
	h, _, _ := newTestHandler(t)

	w := httptest.NewRecorder()
	h.HandleContainerInfo(w, httptest.NewRequest(http.MethodGet, "/api/container_info", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/container_info", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	h.HandleContainerInfo(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleContainerInfo(t *testing.T) {
	h, backend, c := newTestHandler(t)
	backend.On("GetContainerInfo", c.Pubkey()).Return(&interfaces.ContainerInfo{
		Pubkey:  c.Pubkey(),
		Units:   2,
		Balance: 5000,
		State:   "deployed",
	}, nil)

	w := httptest.NewRecorder()
	h.HandleContainerInfo(w, authedRequest(http.MethodGet, "/api/container_info", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var info interfaces.ContainerInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, c.Pubkey(), info.Pubkey)
	assert.Equal(t, int64(5000), info.Balance)
}

func TestHandleSetInfo(t *testing.T) {
	h, backend, c := newTestHandler(t)

	identity, err := signer.Generate()
	require.NoError(t, err)
	backend.On("SetAppInfo", mock.Anything, c, mock.MatchedBy(func(info *interfaces.AppInfo) bool {
		return info.Pubkey == identity.Pubkey()
	})).Return(nil)

	body, err := json.Marshal(interfaces.AppInfo{Pubkey: identity.Pubkey(), Name: "wallet"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	h.HandleSetInfo(w, authedRequest(http.MethodPost, "/api/set_info", bytes.NewReader(body)))

	assert.Equal(t, http.StatusOK, w.Code)
	backend.AssertExpectations(t)
}

func TestHandleSetInfoRejectsBadBody(t *testing.T) {
	h, _, _ := newTestHandler(t)

	w := httptest.NewRecorder()
	h.HandleSetInfo(w, authedRequest(http.MethodPost, "/api/set_info", strings.NewReader("{not json")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCertificate(t *testing.T) {
	h, backend, c := newTestHandler(t)

	app, err := signer.Generate()
	require.NoError(t, err)
	backend.On("CreateCertificate", c, app.Pubkey()).Return(&wire.CertificateResult{
		Root:  &wire.Envelope{Kind: wire.KindRootCertificate},
		Certs: []*wire.Envelope{{}, {}},
	}, nil)

	body, err := json.Marshal(wire.CertificateParams{Pubkey: app.Pubkey()})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	h.HandleCertificate(w, authedRequest(http.MethodPost, "/api/certificate", bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, w.Code)
	var result wire.CertificateResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Len(t, result.Certs, 2)
}

func TestHandlerErrorMapping(t *testing.T) {
	h, backend, c := newTestHandler(t)
	backend.On("GetContainerInfo", c.Pubkey()).Return(nil, interfaces.ErrRetryLater).Once()

	w := httptest.NewRecorder()
	h.HandleContainerInfo(w, authedRequest(http.MethodGet, "/api/container_info", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleLogs(t *testing.T) {
	h, backend, c := newTestHandler(t)
	backend.On("Logs", mock.Anything, c, false).
		Return(io.NopCloser(strings.NewReader("log line\n")), nil)

	w := httptest.NewRecorder()
	h.HandleLogs(w, authedRequest(http.MethodGet, "/api/logs", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "log line\n", w.Body.String())
}
