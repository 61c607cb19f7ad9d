package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scarvault/scarvault/internal/domain"
	"github.com/scarvault/scarvault/internal/store"
	"github.com/scarvault/scarvault/internal/vault"
)

const (
	defaultListLimit    = 100
	defaultSimilarLimit = 10
	maxSimilarLimit     = 50
)

// VaultHandler serves the mark lifecycle and telemetry endpoints.
type VaultHandler struct {
	vault  *vault.Manager
	marks  domain.MarkStore
	logger *zap.Logger
}

func NewVaultHandler(v *vault.Manager, marks domain.MarkStore, logger *zap.Logger) *VaultHandler {
	return &VaultHandler{vault: v, marks: marks, logger: logger}
}

type submitMarkRequest struct {
	ID                string            `json:"id,omitempty"`
	Refs              []string          `json:"refs"`
	Reason            string            `json:"reason,omitempty"`
	ResolverID        string            `json:"resolver_id,omitempty"`
	CreatedAt         *time.Time        `json:"created_at,omitempty"`
	PeerObservedAt    *time.Time        `json:"peer_observed_at,omitempty"`
	PreEntropy        float64           `json:"pre_entropy"`
	PostEntropy       float64           `json:"post_entropy"`
	DeltaEntropy      float64           `json:"delta_entropy"`
	Angle             float64           `json:"angle"`
	Polarity          float64           `json:"polarity"`
	MutationFrequency float64           `json:"mutation_frequency"`
	Expression        domain.FeatureMap `json:"expression,omitempty"`
}

type submitMarkResponse struct {
	ID    uuid.UUID        `json:"id"`
	State domain.MarkState `json:"state"`
	Cycle int64            `json:"cycle"`
}

// Submit accepts a new mark. The mark is durably queued and placed by the
// admission controller on a later cycle, so acceptance is a 202.
func (h *VaultHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitMarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	m := &domain.Mark{
		Refs:              req.Refs,
		Reason:            req.Reason,
		ResolverID:        req.ResolverID,
		PeerObservedAt:    req.PeerObservedAt,
		PreEntropy:        req.PreEntropy,
		PostEntropy:       req.PostEntropy,
		DeltaEntropy:      req.DeltaEntropy,
		Angle:             req.Angle,
		Polarity:          req.Polarity,
		MutationFrequency: req.MutationFrequency,
		Expression:        req.Expression,
	}
	if req.ID != "" {
		id, err := uuid.Parse(req.ID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid mark id")
			return
		}
		m.ID = id
	}
	if req.CreatedAt != nil {
		m.CreatedAt = *req.CreatedAt
	}

	if err := h.vault.Submit(r.Context(), m); err != nil {
		switch {
		case errors.Is(err, domain.ErrDuplicateIdentity):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, domain.ErrTooFewRefs),
			errors.Is(err, domain.ErrAngleOutOfRange),
			errors.Is(err, domain.ErrPolarityOutOfRange),
			errors.Is(err, domain.ErrMutationOutOfRange),
			errors.Is(err, domain.ErrEntropySignalInvalid):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("submit failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to accept mark")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, submitMarkResponse{
		ID:    m.ID,
		State: domain.StatePending,
		Cycle: h.vault.Cycle(),
	})
}

// Get returns a single mark by ID. Pass include_inactive=true to also search
// quarantined, fallback, and archived records.
func (h *VaultHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid mark id")
		return
	}
	includeInactive := r.URL.Query().Get("include_inactive") == "true"

	rec, err := h.vault.GetMark(r.Context(), id, includeInactive)
	if err != nil {
		if errors.Is(err, domain.ErrMarkNotFound) {
			writeError(w, http.StatusNotFound, "mark not found")
			return
		}
		h.logger.Error("get mark failed", zap.Error(err), zap.String("id", id.String()))
		writeError(w, http.StatusInternalServerError, "failed to fetch mark")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type similarMarksResponse struct {
	Marks []domain.MarkWithScore `json:"marks"`
}

// Similar ranks stored marks by expression-vector proximity to the given one.
func (h *VaultHandler) Similar(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid mark id")
		return
	}
	limit := queryInt(r, "limit", defaultSimilarLimit)
	if limit > maxSimilarLimit {
		limit = maxSimilarLimit
	}

	results, err := h.marks.FindSimilar(r.Context(), id, limit)
	if err != nil {
		if errors.Is(err, domain.ErrMarkNotFound) {
			writeError(w, http.StatusNotFound, "mark not found")
			return
		}
		h.logger.Error("similarity search failed", zap.Error(err), zap.String("id", id.String()))
		writeError(w, http.StatusInternalServerError, "failed to search marks")
		return
	}
	if results == nil {
		results = []domain.MarkWithScore{}
	}
	writeJSON(w, http.StatusOK, similarMarksResponse{Marks: results})
}

type listMarksResponse struct {
	Partition domain.PartitionID `json:"partition"`
	Marks     []*domain.Mark     `json:"marks"`
	Count     int                `json:"count"`
}

// List returns a partition's active marks with optional filters.
func (h *VaultHandler) List(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "partition")
	if !domain.ValidPartitionID(pid) {
		writeError(w, http.StatusBadRequest, "partition must be A or B")
		return
	}

	filter := domain.ListFilter{Limit: queryInt(r, "limit", defaultListLimit)}
	if raw := r.URL.Query().Get("min_weight"); raw != "" {
		mw, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid min_weight")
			return
		}
		filter.MinWeight = mw
	}
	filter.DivergentOnly = r.URL.Query().Get("divergent") == "true"

	marks, err := h.vault.ListMarks(domain.PartitionID(pid), filter)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if marks == nil {
		marks = []*domain.Mark{}
	}
	writeJSON(w, http.StatusOK, listMarksResponse{
		Partition: domain.PartitionID(pid),
		Marks:     marks,
		Count:     len(marks),
	})
}

// PartitionTelemetry returns one partition's aggregate snapshot.
func (h *VaultHandler) PartitionTelemetry(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "partition")
	if !domain.ValidPartitionID(pid) {
		writeError(w, http.StatusBadRequest, "partition must be A or B")
		return
	}
	snap, err := h.vault.Telemetry(domain.PartitionID(pid))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Interference returns the monitor's latest cross-partition report.
func (h *VaultHandler) Interference(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.vault.Interference())
}

// LatestAudit returns the most recent optimizer report.
func (h *VaultHandler) LatestAudit(w http.ResponseWriter, r *http.Request) {
	report, err := h.vault.LatestAudit(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrNoAuditReport) {
			writeError(w, http.StatusNotFound, "no audit reports yet")
			return
		}
		h.logger.Error("latest audit fetch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch audit report")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type fallbackResponse struct {
	Depth   int   `json:"depth"`
	Pending int   `json:"pending"`
	Cycle   int64 `json:"cycle"`
}

// Fallback reports the fracture queue depth and admission backlog.
func (h *VaultHandler) Fallback(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, fallbackResponse{
		Depth:   h.vault.FallbackDepth(),
		Pending: h.vault.PendingCount(),
		Cycle:   h.vault.Cycle(),
	})
}

type cycleResponse struct {
	Cycle int64 `json:"cycle"`
}

// StepCycle runs one maintenance cycle immediately. Intended for operator
// tooling and integration tests; the background worker normally drives this.
func (h *VaultHandler) StepCycle(w http.ResponseWriter, r *http.Request) {
	if err := h.vault.Step(r.Context()); err != nil {
		h.logger.Error("manual cycle failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cycle did not complete")
		return
	}
	writeJSON(w, http.StatusOK, cycleResponse{Cycle: h.vault.Cycle()})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
