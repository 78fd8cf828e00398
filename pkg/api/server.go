package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tillerworks/tiller/pkg/consistency"
	"github.com/tillerworks/tiller/pkg/contracts"
	"github.com/tillerworks/tiller/pkg/gate"
	"github.com/tillerworks/tiller/pkg/ledger"
	"github.com/tillerworks/tiller/pkg/rulings"
	"github.com/tillerworks/tiller/pkg/violations"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// ConsensusService is the consensus surface the API exposes. Satisfied by
// consensus.Scorer.
type ConsensusService interface {
	SubmitClassification(ctx context.Context, c contracts.Classification) error
	ScoreEvent(ctx context.Context, eventID string) (*contracts.ConsensusRecord, error)
	Consensus(ctx context.Context, eventID string) (contracts.ConsensusRecord, error)
	Classifications(ctx context.Context, eventID string) ([]contracts.Classification, error)
}

// Server exposes the governance core over HTTP.
type Server struct {
	gate       *gate.Gate
	consensus  ConsensusService
	rulings    *rulings.Service
	violations *violations.Tracker
	checker    *consistency.Checker
	ledger     *ledger.Ledger
	validator  *JWTValidator
	schemas    *schemas
	logger     *slog.Logger
}

// NewServer wires the HTTP surface over the core services.
func NewServer(g *gate.Gate, c ConsensusService, r *rulings.Service, v *violations.Tracker, checker *consistency.Checker, l *ledger.Ledger) (*Server, error) {
	s, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Server{
		gate:       g,
		consensus:  c,
		rulings:    r,
		violations: v,
		checker:    checker,
		ledger:     l,
		schemas:    s,
		logger:     slog.Default().With("component", "api"),
	}, nil
}

// WithAuth enables bearer-token auth on the ruling endpoints.
func (s *Server) WithAuth(v *JWTValidator) *Server {
	s.validator = v
	return s
}

// Routes builds the full handler chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/decisions", s.handleSubmitDecision)
	mux.HandleFunc("GET /v1/events/{event_id}", s.handleGetEvent)
	mux.HandleFunc("POST /v1/classifications", s.handleSubmitClassification)
	mux.HandleFunc("GET /v1/classifications/{event_id}", s.handleListClassifications)
	mux.HandleFunc("GET /v1/consensus/{event_id}", s.handleGetConsensus)
	mux.HandleFunc("POST /v1/rulings", RequireReviewer(s.validator, "reviewer", s.handleCreateRuling))
	mux.HandleFunc("GET /v1/rulings/{event_id}", s.handleGetRuling)
	mux.HandleFunc("GET /v1/precedents", s.handleFindPrecedent)
	mux.HandleFunc("GET /v1/violations", s.handleListViolations)
	mux.HandleFunc("GET /v1/violations/report", s.handleViolationReport)
	mux.HandleFunc("GET /v1/integrity", s.handleIntegrity)

	return RequestID(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeValidated reads the bounded body, checks it against schema, and
// decodes it into dst.
func (s *Server) decodeValidated(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteBadRequest(w, "unable to read request body")
		return false
	}

	var generic any
	if err := json.Unmarshal(body, &generic); err != nil {
		WriteBadRequest(w, "request body is not valid JSON")
		return false
	}
	if err := schema.Validate(generic); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", schemaDetail(err))
		return false
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteBadRequest(w, fmt.Sprintf("decode request: %v", err))
		return false
	}
	return true
}

func (s *Server) handleSubmitDecision(w http.ResponseWriter, r *http.Request) {
	var decision contracts.DecisionEvent
	if !s.decodeValidated(w, r, s.schemas.decision, &decision) {
		return
	}

	eventID, err := s.gate.EnforceDecision(r.Context(), decision)
	var rejection *contracts.IngressRejection
	switch {
	case errors.As(err, &rejection):
		WriteErrorR(w, r, http.StatusBadRequest, "Incomplete Decision Context",
			fmt.Sprintf("missing or invalid fields: %s", strings.Join(rejection.MissingFields, ", ")))
		return
	case errors.Is(err, contracts.ErrReplay):
		WriteConflict(w, fmt.Sprintf("event %s already processed", eventID))
		return
	case err != nil:
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"event_id": eventID})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	entry, err := s.ledger.Get(r.Context(), r.PathValue("event_id"))
	if errors.Is(err, contracts.ErrNotFound) {
		WriteNotFound(w, "no such event")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleSubmitClassification(w http.ResponseWriter, r *http.Request) {
	var c contracts.Classification
	if !s.decodeValidated(w, r, s.schemas.classification, &c) {
		return
	}

	if err := s.consensus.SubmitClassification(r.Context(), c); err != nil {
		if errors.Is(err, consistency.ErrUnknownEvent) {
			WriteNotFound(w, fmt.Sprintf("event %s is not on the ledger", c.EventID))
			return
		}
		WriteBadRequest(w, err.Error())
		return
	}

	record, err := s.consensus.ScoreEvent(r.Context(), c.EventID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if record == nil {
		// Only one live classification so far: accepted, nothing to score.
		writeJSON(w, http.StatusAccepted, map[string]any{"event_id": c.EventID})
		return
	}
	writeJSON(w, http.StatusAccepted, record)
}

func (s *Server) handleListClassifications(w http.ResponseWriter, r *http.Request) {
	list, err := s.consensus.Classifications(r.Context(), r.PathValue("event_id"))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetConsensus(w http.ResponseWriter, r *http.Request) {
	record, err := s.consensus.Consensus(r.Context(), r.PathValue("event_id"))
	if errors.Is(err, contracts.ErrNotFound) {
		WriteNotFound(w, "no consensus record for event")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleCreateRuling(w http.ResponseWriter, r *http.Request) {
	var ruling contracts.HumanRuling
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ruling); err != nil {
		WriteBadRequest(w, fmt.Sprintf("decode ruling: %v", err))
		return
	}

	// The authenticated reviewer is the issuer of record.
	if claims, ok := ClaimsFromContext(r.Context()); ok && claims.Subject != "" {
		ruling.IssuedBy = claims.Subject
	}

	created, err := s.rulings.CreateRuling(r.Context(), ruling)
	switch {
	case errors.Is(err, rulings.ErrAlreadyRuled):
		WriteConflict(w, err.Error())
		return
	case errors.Is(err, contracts.ErrNotFound):
		WriteNotFound(w, err.Error())
		return
	case err != nil:
		WriteBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRuling(w http.ResponseWriter, r *http.Request) {
	ruling, err := s.rulings.Get(r.Context(), r.PathValue("event_id"))
	if errors.Is(err, contracts.ErrNotFound) {
		WriteNotFound(w, "no ruling for event")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ruling)
}

func (s *Server) handleFindPrecedent(w http.ResponseWriter, r *http.Request) {
	actionType := r.URL.Query().Get("action_type")
	if actionType == "" {
		WriteBadRequest(w, "action_type query parameter is required")
		return
	}
	at := time.Now().UTC()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteBadRequest(w, "at must be RFC 3339")
			return
		}
		at = parsed
	}

	precedent, err := s.rulings.FindPrecedent(r.Context(), actionType, at)
	if errors.Is(err, contracts.ErrNotFound) {
		WriteNotFound(w, fmt.Sprintf("no active precedent for %q", actionType))
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, precedent)
}

func (s *Server) handleListViolations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		list []contracts.Violation
		err  error
	)
	switch {
	case q.Get("agent_id") != "":
		list, err = s.violations.ByAgent(r.Context(), q.Get("agent_id"))
	case q.Get("severity") != "":
		severity := contracts.Severity(q.Get("severity"))
		if !severity.Valid() {
			WriteBadRequest(w, fmt.Sprintf("unknown severity %q", severity))
			return
		}
		list, err = s.violations.BySeverity(r.Context(), severity)
	case q.Get("type") != "":
		list, err = s.violations.ByType(r.Context(), q.Get("type"))
	case q.Get("window") != "":
		window, perr := time.ParseDuration(q.Get("window"))
		if perr != nil {
			WriteBadRequest(w, "window must be a duration such as 24h")
			return
		}
		list, err = s.violations.Recent(r.Context(), window)
	default:
		list, err = s.violations.Recent(r.Context(), 7*24*time.Hour)
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if list == nil {
		list = []contracts.Violation{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleViolationReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.violations.Report(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.checker.RunCheck(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	status := http.StatusOK
	if report.HasCritical() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
