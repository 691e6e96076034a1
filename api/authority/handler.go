package authority

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/tee-artifact-attestation/cryptoutils"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
)

// Handler is a development attestation authority. It verifies submitted signatures,
// keeps the records in memory and returns a unique reference per submission.
type Handler struct {
	log *slog.Logger

	// AllowUnverified accepts submissions whose signature does not verify, which is
	// what the simulated signer produces.
	AllowUnverified bool

	// RequireQuote rejects submissions without platform evidence.
	RequireQuote bool

	mu      sync.RWMutex
	entries map[string]Entry
	byKey   map[string]string
}

func NewHandler(log *slog.Logger) *Handler {
	return &Handler{
		log:     log,
		entries: make(map[string]Entry),
		byKey:   make(map[string]string),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/authority/attestations", h.HandleSubmit)
	r.Get("/api/authority/attestations/{reference}", h.HandleGet)
}

// HandleSubmit records a signed digest.
//
// URL format: POST /api/authority/attestations
// Optional headers:
//   - X-Attestation-Quote-Type: Type of platform quote (qemu-tdx, remote-tdx, dummy)
//   - X-Attestation-Quote: base64 quote over sha256(digest)||sha256(public_key)
//
// Request body: JSON encoded AttestationRequest
// Response: JSON encoded SubmitResponse. Resubmitting the same digest and public key
// returns the original reference.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req interfaces.AttestationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusBadRequest)
		return
	}

	if req.Digest == "" || req.Signature == "" || req.PublicKey == "" {
		http.Error(w, "digest, signature and public_key are required", http.StatusBadRequest)
		return
	}

	if err := cryptoutils.VerifySignature(req.PublicKey, req.Digest, req.Signature); err != nil {
		if !h.AllowUnverified {
			http.Error(w, fmt.Errorf("signature verification failed: %w", err).Error(), http.StatusUnprocessableEntity)
			return
		}
		h.log.Debug("Accepting unverified submission", slog.String("digest", req.Digest), "err", err)
	}

	quoteType := r.Header.Get(QuoteTypeHeader)
	var quote []byte
	if quoteType != "" {
		var err error
		quote, err = base64.StdEncoding.DecodeString(r.Header.Get(QuoteHeader))
		if err != nil {
			http.Error(w, fmt.Errorf("invalid quote encoding: %w", err).Error(), http.StatusBadRequest)
			return
		}
		if err := cryptoutils.VerifyQuote(quoteType, cryptoutils.ReportData(req), quote); err != nil {
			http.Error(w, fmt.Errorf("invalid quote: %w", err).Error(), http.StatusUnauthorized)
			return
		}
	} else if h.RequireQuote {
		http.Error(w, "platform quote required", http.StatusUnauthorized)
		return
	}

	entry := h.record(req, quoteType, quote)
	h.log.Info("Recorded attestation",
		slog.String("digest", req.Digest),
		slog.String("reference", entry.TransactionReference))

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(SubmitResponse{TransactionReference: entry.TransactionReference}); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// HandleGet returns a recorded attestation.
//
// URL format: GET /api/authority/attestations/{reference}
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	reference, err := url.PathUnescape(chi.URLParam(r, "reference"))
	if err != nil {
		http.Error(w, "invalid reference", http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	entry, ok := h.entries[reference]
	h.mu.RUnlock()

	if !ok {
		http.Error(w, "attestation not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entry); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) record(req interfaces.AttestationRequest, quoteType string, quote []byte) Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := req.Digest + "|" + req.PublicKey
	if ref, ok := h.byKey[key]; ok {
		return h.entries[ref]
	}

	entry := Entry{
		AttestationRequest:   req,
		TransactionReference: uuid.NewString(),
		AttestedAt:           time.Now().UTC(),
		QuoteType:            quoteType,
		Quote:                quote,
	}
	h.entries[entry.TransactionReference] = entry
	h.byKey[key] = entry.TransactionReference
	return entry
}
