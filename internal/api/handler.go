package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fanout"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

const (
	// maxBatchSize bounds POST /score/batch.
	maxBatchSize = 1000

	// maxBodyBytes bounds request bodies.
	maxBodyBytes = 8 << 20

	defaultHistoryLimit = 50
	maxListLimit        = 500
)

// Handler holds dependencies for API handlers.
type Handler struct {
	service *scoring.Service
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	engine  *rules.Engine
	fanout  *fanout.Index
	scoring domain.ScoringConfig
	version string
}

// NewHandler creates a new API handler. cache, bus and fanoutIdx may be nil.
func NewHandler(service *scoring.Service, repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, fanoutIdx *fanout.Index, scoringCfg domain.ScoringConfig, version string) *Handler {
	return &Handler{
		service: service,
		repo:    repo,
		cache:   cache,
		bus:     bus,
		engine:  engine,
		fanout:  fanoutIdx,
		scoring: scoringCfg,
		version: version,
	}
}

// ScoreResponse is the response for POST /score.
type ScoreResponse struct {
	*scoring.Outcome
	Metadata struct {
		TraceID string `json:"traceId"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Score handles POST /score: score one snapshot, persist the record, and
// dispatch a notification when it is high risk.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var snap domain.AccountSnapshot
	if err := decodeJSON(w, r, &snap); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	outcome, err := h.service.Process(ctx, &snap)
	if err != nil {
		if errors.Is(err, scoring.ErrInvalidSnapshot) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}

		slog.Error("failed to process snapshot", "account_id", snap.AccountID, "error", err)
		body := map[string]interface{}{
			"error": err.Error(),
		}
		// The record was computed; hand it back so the caller can retry.
		if outcome != nil {
			body["record"] = outcome.Record
		}
		writeJSON(w, http.StatusInternalServerError, body)
		return
	}

	resp := ScoreResponse{Outcome: outcome}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// BatchRequest is the request body for POST /score/batch.
type BatchRequest struct {
	Accounts []*domain.AccountSnapshot `json:"accounts"`
}

// ScoreBatch handles POST /score/batch. Per-account failures are reported in
// the results and never fail the request.
func (h *Handler) ScoreBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Accounts) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "accounts is required",
		})
		return
	}
	if len(req.Accounts) > maxBatchSize {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "batch exceeds " + strconv.Itoa(maxBatchSize) + " accounts",
		})
		return
	}

	results := h.service.ProcessBatch(r.Context(), req.Accounts)

	failed := 0
	for _, res := range results {
		if res.Error != "" {
			failed++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
		"failed":  failed,
	})
}

// ListScores handles GET /accounts/{id}/scores, newest first.
func (h *Handler) ListScores(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	limit, ok := parseLimit(w, r, defaultHistoryLimit)
	if !ok {
		return
	}

	records, err := h.repo.ListScoreRecords(r.Context(), accountID, limit)
	if err != nil {
		slog.Error("failed to list score records", "account_id", accountID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list score records",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accountId": accountID,
		"scores":    records,
		"count":     len(records),
	})
}

// LatestScore handles GET /accounts/{id}/scores/latest.
func (h *Handler) LatestScore(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	rec, err := h.service.Latest(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "no score for account",
			})
			return
		}
		slog.Error("failed to get latest score", "account_id", accountID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get latest score",
		})
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// ListNotifications handles GET /notifications. Query: unread, accountId, limit.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	filter := domain.NotificationFilter{
		AccountID: r.URL.Query().Get("accountId"),
	}

	if v := r.URL.Query().Get("unread"); v != "" {
		unread, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "unread must be a boolean",
			})
			return
		}
		filter.UnreadOnly = unread
	}

	limit, ok := parseLimit(w, r, 0)
	if !ok {
		return
	}
	filter.Limit = limit

	notifications, err := h.repo.ListNotifications(r.Context(), filter)
	if err != nil {
		slog.Error("failed to list notifications", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list notifications",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifications,
		"count":         len(notifications),
	})
}

// MarkNotificationRead handles POST /notifications/{id}/read.
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.repo.MarkNotificationRead(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "notification not found",
			})
			return
		}
		slog.Error("failed to mark notification read", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to mark notification read",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":   id,
		"read": true,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}

	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(ctx) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(ctx) })
	}
	if h.bus != nil {
		check("eventBus", func() error { return h.bus.Ping(ctx) })
	}
	if h.fanout != nil {
		check("fanout", func() error {
			if state := h.fanout.BreakerState(); state != "closed" {
				return fmt.Errorf("circuit breaker %s", state)
			}
			return nil
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready reports ready once a rule table is loaded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.engine.RulesCount() == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns the rules currently loaded in the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": loadedRules,
		"count": len(loadedRules),
	})
}

// GetRule retrieves a rule by ID from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating or overriding a rule.
type CreateRuleRequest struct {
	ID          string           `json:"id" validate:"required"`
	Dimension   domain.Dimension `json:"dimension" validate:"required,oneof=profile behavior network content"`
	Name        string           `json:"name" validate:"required"`
	Description string           `json:"description,omitempty"`
	Version     string           `json:"version,omitempty"`
	Expression  string           `json:"expression" validate:"required"`
	Indicator   string           `json:"indicator" validate:"required"`
	Weight      float64          `json:"weight" validate:"gte=0,lte=1"`
	Enabled     bool             `json:"enabled"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// validationMessage flattens validator field errors into one line.
func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			parts = append(parts, fe.Field()+" must satisfy "+fe.Tag()+"="+fe.Param())
		} else {
			parts = append(parts, fe.Field()+" is "+fe.Tag())
		}
	}
	return strings.Join(parts, "; ")
}

// CreateRule validates a rule and saves it as an override. A rule whose ID
// matches a builtin replaces it on the next reload; a disabled override
// switches the builtin off.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": validationMessage(err),
		})
		return
	}
	if req.Version == "" {
		req.Version = "1.0.0"
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		Dimension:   req.Dimension,
		Name:        req.Name,
		Description: req.Description,
		Version:     req.Version,
		Expression:  req.Expression,
		Indicator:   req.Indicator,
		Weight:      req.Weight,
		Enabled:     req.Enabled,
	}

	if err := h.engine.ValidateRule(ruleConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid rule: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveRuleConfig(r.Context(), ruleConfig); err != nil {
		slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("rule saved", "id", ruleConfig.ID, "dimension", ruleConfig.Dimension, "version", ruleConfig.Version)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    ruleConfig,
		"message": "Rule saved. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules rebuilds the rule table from the builtin rules, the configured
// rules, and the stored overrides, in that order, and swaps it in.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	dbRules, err := h.repo.ListRuleConfigs(r.Context())
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	table := rules.Merge(rules.BuiltinRules(), h.scoring.Rules, dbRules)
	if err := h.engine.ReloadRules(table); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	loaded := h.engine.RulesCount()
	slog.Info("rules reloaded", "overrides", len(dbRules), "loaded", loaded)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "rules reloaded successfully",
		"overrides": len(dbRules),
		"count":     loaded,
	})
}

// ScoringConfig handles GET /config/scoring: the thresholds and weights the
// engine runs with.
func (h *Handler) ScoringConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scoring)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// parseLimit reads the limit query parameter. It writes a 400 and returns
// false on a malformed value.
func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit <= 0 || limit > maxListLimit {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "limit must be between 1 and " + strconv.Itoa(maxListLimit),
		})
		return 0, false
	}
	return limit, true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
