package pipelinehandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-artifact-attestation/artifact"
	"github.com/ruteri/tee-artifact-attestation/common"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
	"github.com/ruteri/tee-artifact-attestation/kms"
	"github.com/ruteri/tee-artifact-attestation/pipeline"
)

// Handler exposes a pipeline controller and its key manager over HTTP.
type Handler struct {
	pipeline *pipeline.Controller
	keys     *kms.KeyManager
	log      *slog.Logger

	// AllowRemoteSources lets clients select artifacts by URI in addition to uploading them.
	AllowRemoteSources bool
}

func NewHandler(p *pipeline.Controller, keys *kms.KeyManager, log *slog.Logger) *Handler {
	return &Handler{
		pipeline: p,
		keys:     keys,
		log:      common.LoggerOrDiscard(log),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/pipeline/state", h.HandleState)
	r.Get("/api/pipeline/events", h.HandleEvents)
	r.Post("/api/pipeline/artifact", h.HandleSelectArtifact)
	r.Post("/api/pipeline/sign", h.HandleSign)
	r.Post("/api/pipeline/attest", h.HandleAttest)
	r.Post("/api/pipeline/reset", h.HandleReset)

	r.Get("/api/key", h.HandleKeyStatus)
	r.Post("/api/key", h.HandleKeyInit)
	r.Delete("/api/key", h.HandleKeyDelete)
}

// StateResponse is the pipeline snapshot plus diagnostics of the selected artifact.
type StateResponse struct {
	pipeline.State
	ArtifactInfo *artifact.Info `json:"artifact_info,omitempty"`
}

// SelectRequest selects an artifact by location instead of uploading it.
type SelectRequest struct {
	URI string `json:"uri"`
}

// KeyStatus describes the signing keypair.
type KeyStatus struct {
	State       kms.KeyState `json:"state"`
	HasKeypair  bool         `json:"has_keypair"`
	PublicKey   string       `json:"public_key,omitempty"`
	Fingerprint string       `json:"fingerprint,omitempty"`
}

func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	h.writeState(w, h.pipeline.State())
}

// HandleSelectArtifact selects the artifact of the current run.
//
// URL format: POST /api/pipeline/artifact?name=photo.jpg
// Request body: raw artifact bytes, or a JSON encoded SelectRequest when the
// Content-Type is application/json.
func (h *Handler) HandleSelectArtifact(w http.ResponseWriter, r *http.Request) {
	var a interfaces.Artifact

	if r.Header.Get("Content-Type") == "application/json" {
		var req SelectRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusBadRequest)
			return
		}
		if !h.AllowRemoteSources {
			http.Error(w, "artifact locations are disabled, upload the artifact instead", http.StatusForbidden)
			return
		}

		source, err := artifact.NewSourceFromURI(req.URI, h.log)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		a, err = source.Load(r.Context())
		if err != nil {
			h.log.Warn("Failed to load artifact", slog.String("uri", source.LocationURI()), "err", err)
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
	} else {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, artifact.MaxArtifactSize))
		if err != nil {
			http.Error(w, fmt.Errorf("%w: %w", interfaces.ErrExtractionFailed, err).Error(), http.StatusBadRequest)
			return
		}
		name := r.URL.Query().Get("name")
		if name == "" {
			name = "upload"
		}
		a = interfaces.NewArtifact(name, data)
	}

	if err := h.pipeline.SelectArtifact(a); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeState(w, h.pipeline.State())
}

// HandleSign computes and signs the digest of the selected artifact.
//
// URL format: POST /api/pipeline/sign
// Response: JSON encoded SignedRecord
func (h *Handler) HandleSign(w http.ResponseWriter, r *http.Request) {
	rec, err := h.pipeline.ComputeAndSign(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// HandleAttest submits the signed record to the attestation authority.
//
// URL format: POST /api/pipeline/attest
// Response: JSON encoded AttestationRecord
func (h *Handler) HandleAttest(w http.ResponseWriter, r *http.Request) {
	rec, err := h.pipeline.SubmitAttestation(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	h.pipeline.Reset()
	h.writeState(w, h.pipeline.State())
}

// HandleEvents streams pipeline snapshots as server-sent events until the client goes away.
//
// URL format: GET /api/pipeline/events
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	updates, cancel := h.pipeline.Subscribe(8)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case state, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(state)
			if err != nil {
				h.log.Error("Failed to encode state", "err", err)
				return
			}
			if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", state.Version, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) HandleKeyStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.keyStatus())
}

// HandleKeyInit generates the keypair unless one exists already.
//
// URL format: POST /api/key
func (h *Handler) HandleKeyInit(w http.ResponseWriter, r *http.Request) {
	if _, err := h.keys.EnsureKeypair(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.keyStatus())
}

// HandleKeyDelete removes the keypair from the secure element and the key store.
//
// URL format: DELETE /api/key
func (h *Handler) HandleKeyDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.keys.DeleteKeypair(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.keyStatus())
}

func (h *Handler) keyStatus() KeyStatus {
	status := KeyStatus{
		State:      h.keys.State(),
		HasKeypair: h.keys.HasKeypair(),
	}
	if pub, ok := h.keys.PublicKey(); ok {
		fp := pub.Fingerprint()
		status.PublicKey = pub.Base64()
		status.Fingerprint = fmt.Sprintf("%x", fp[:])
	}
	return status
}

func (h *Handler) writeState(w http.ResponseWriter, state pipeline.State) {
	resp := StateResponse{State: state}
	if state.Artifact != nil {
		info := artifact.Inspect(state.Artifact.Data)
		resp.ArtifactInfo = &info
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), StatusFor(err))
}

// StatusFor maps pipeline and provider errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrPipelineBusy), errors.Is(err, interfaces.ErrRunSuperseded):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrInvalidStage):
		return http.StatusPreconditionFailed
	case errors.Is(err, interfaces.ErrAttestationUnreachable):
		return http.StatusGatewayTimeout
	case errors.Is(err, interfaces.ErrAttestationRejected):
		return http.StatusBadGateway
	}

	switch interfaces.Categorize(err) {
	case interfaces.DigestError:
		return http.StatusUnprocessableEntity
	case interfaces.CapabilityError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
