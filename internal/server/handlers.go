package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ceti-ai/ceti/internal/ledger"
	"github.com/ceti-ai/ceti/internal/model"
	"github.com/ceti-ai/ceti/internal/verifier"
)

// healthMessage states the system's epistemic position; clients display it.
const healthMessage = "CETI adjudication layer online. Responses are scoped certified authorizations, not assertions of truth."

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	verifier    *verifier.Verifier
	ledger      *ledger.Ledger
	logger      *slog.Logger
	version     string
	maxBody     int64
	openapiSpec []byte
}

// HandlersDeps configures Handlers. Ledger and OpenAPISpec may be nil.
type HandlersDeps struct {
	Verifier            *verifier.Verifier
	Ledger              *ledger.Ledger
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	maxBody := deps.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB
	}
	return &Handlers{
		verifier:    deps.Verifier,
		ledger:      deps.Ledger,
		logger:      deps.Logger,
		version:     deps.Version,
		maxBody:     maxBody,
		openapiSpec: deps.OpenAPISpec,
	}
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// HandleHealth serves GET / and GET /health. Always 200; a broken ledger
// degrades the status string but the adjudication pipeline still works
// (lookups miss, grants go uncached).
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "operational"
	if h.ledger != nil {
		if err := h.ledger.Healthy(r.Context()); err != nil {
			status = "degraded"
			h.logger.Warn("health: ledger unhealthy", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, model.HealthResponse{
		Status:             status,
		InvariantsEnforced: true,
		Version:            h.version,
		Message:            healthMessage,
	})
}

// HandleVerify serves POST /verify: the full adjudication pipeline.
// GRANTED and DENIED are both HTTP 200; 4xx is reserved for structural
// failures (malformed body, unknown fields, invalid tier, missing auth).
func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	var req model.VerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "query is required")
		return
	}

	tier, err := model.ParseRiskTier(req.RiskTier)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	resp, err := h.verifier.Verify(r.Context(), req.Query, tier)
	if err != nil {
		// Client went away; nothing useful to write.
		h.logger.Debug("verify: request cancelled", "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
