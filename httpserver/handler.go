package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/enclaved-org/enclaved/enclave"
	"github.com/enclaved-org/enclaved/interfaces"
	"github.com/enclaved-org/enclaved/wire"
)

// ControlBackend is the slice of the orchestrator the control channel
// needs. Implemented by *enclave.Orchestrator.
type ControlBackend interface {
	Ready() bool
	ByToken(token string) (*enclave.Container, error)
	SetAppInfo(ctx context.Context, c *enclave.Container, info *interfaces.AppInfo) error
	GetContainerInfo(pubkey interfaces.Pubkey) (*interfaces.ContainerInfo, error)
	CreateCertificate(c *enclave.Container, appPubkey interfaces.Pubkey) (*wire.CertificateResult, error)
	Logs(ctx context.Context, c *enclave.Container, follow bool) (io.ReadCloser, error)
}

// Handler serves the workload-facing control endpoints. Every endpoint
// authenticates the caller via its container bearer token.
type Handler struct {
	backend ControlBackend
	log     *slog.Logger
}

func NewHandler(backend ControlBackend, log *slog.Logger) *Handler {
	return &Handler{backend: backend, log: log}
}

// Ready reports orchestrator readiness for the readyz endpoint.
func (h *Handler) Ready() bool {
	return h.backend.Ready()
}

// authenticate resolves the caller's container from the Authorization
// header.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) *enclave.Container {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	c, err := h.backend.ByToken(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, interfaces.ErrInvalidParams):
		status = http.StatusBadRequest
	case errors.Is(err, interfaces.ErrContainerNotFound):
		status = http.StatusNotFound
	case errors.Is(err, interfaces.ErrRetryLater):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// HandleSetInfo records the workload's self-reported identity.
func (h *Handler) HandleSetInfo(w http.ResponseWriter, r *http.Request) {
	c := h.authenticate(w, r)
	if c == nil {
		return
	}

	var info interfaces.AppInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		writeError(w, interfaces.ErrInvalidParams)
		return
	}
	if err := h.backend.SetAppInfo(r.Context(), c, &info); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleContainerInfo returns the caller's own billing projection.
func (h *Handler) HandleContainerInfo(w http.ResponseWriter, r *http.Request) {
	c := h.authenticate(w, r)
	if c == nil {
		return
	}

	info, err := h.backend.GetContainerInfo(c.Pubkey())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleCertificate issues the certificate chain for an app key running
// inside the caller's container.
func (h *Handler) HandleCertificate(w http.ResponseWriter, r *http.Request) {
	c := h.authenticate(w, r)
	if c == nil {
		return
	}

	var params wire.CertificateParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, interfaces.ErrInvalidParams)
		return
	}
	result, err := h.backend.CreateCertificate(c, params.Pubkey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleLogs streams the caller's own workload logs. Intended for
// debugging from inside the enclave network.
func (h *Handler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	c := h.authenticate(w, r)
	if c == nil {
		return
	}

	follow := r.URL.Query().Get("follow") == "true"
	rc, err := h.backend.Logs(r.Context(), c, follow)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok && follow {
		buf := make([]byte, 4096)
		for {
			n, err := rc.Read(buf)
			if n > 0 {
				w.Write(buf[:n])
				f.Flush()
			}
			if err != nil {
				return
			}
		}
	}
	io.Copy(w, rc)
}
