// Package httpapi exposes the ledger, collaboration and what-if operations
// as a JSON HTTP API.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"scenariolab/api/internal/app"
	"scenariolab/api/internal/auth"
	"scenariolab/api/internal/metrics"
	"scenariolab/api/internal/reasoning"
	"scenariolab/api/internal/scenariogen"
	"scenariolab/api/internal/search"
	"scenariolab/api/internal/store"
	"scenariolab/api/internal/util"
	"scenariolab/api/internal/whatif"
)

type WhatIf interface {
	Analyze(ctx context.Context, scenarioID string, params whatif.Params) (whatif.Result, error)
}

type Generator interface {
	Generate(ctx context.Context, brief scenariogen.Brief) (scenariogen.Result, error)
}

type Searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

// PushFeed is the live notification channel; Recent replays what was
// pushed to a recipient lately.
type PushFeed interface {
	Recent(ctx context.Context, recipient string, limit int) ([]store.Notification, error)
	Ping(ctx context.Context) error
}

// Options wires the optional parts of the API. A nil WhatIf, Generator,
// Search or Push answers 503 on its routes.
type Options struct {
	CORSOrigin string
	JWTSecret  []byte
	WhatIf     WhatIf
	Generator  Generator
	Search     Searcher
	Push       PushFeed
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

type HTTPServer struct {
	service    *app.Service
	whatIf     WhatIf
	generator  Generator
	search     Searcher
	push       PushFeed
	metrics    *metrics.Metrics
	log        zerolog.Logger
	corsOrigin string
	jwtSecret  []byte
}

func NewHTTPServer(service *app.Service, opts Options) *HTTPServer {
	corsOrigin := opts.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	return &HTTPServer{
		service:    service,
		whatIf:     opts.WhatIf,
		generator:  opts.Generator,
		search:     opts.Search,
		push:       opts.Push,
		metrics:    opts.Metrics,
		log:        opts.Logger.With().Str("component", "http").Logger(),
		corsOrigin: corsOrigin,
		jwtSecret:  opts.JWTSecret,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"store": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["store"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		if s.push != nil {
			checks["push"] = map[string]any{"status": "ok"}
			if err := s.push.Ping(ctx); err != nil {
				status = "not_ready"
				statusCode = http.StatusServiceUnavailable
				checks["push"] = map[string]any{
					"status": "error",
					"error":  err.Error(),
				}
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		if s.metrics == nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		s.metrics.Handler().ServeHTTP(w, r)
		return
	}

	r, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "scenarios":
		s.handleScenarios(w, r, parts)
	case "versions":
		s.handleVersions(w, r, parts)
	case "collaborations":
		s.handleCollaborations(w, r, parts)
	case "notifications":
		s.handleNotifications(w, r, parts)
	case "search":
		if len(parts) != 2 || r.Method != http.MethodGet {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		s.handleSearch(w, r)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request, parts []string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	switch {
	case len(parts) == 2:
		items, err := s.service.ListNotifications(r.Context(), queryInt(r, "limit", 50))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
	case len(parts) == 3 && parts[2] == "recent":
		if s.push == nil {
			writeError(w, http.StatusServiceUnavailable, "PUSH_UNAVAILABLE", "live notifications are not configured", nil)
			return
		}
		user, _ := auth.FromContext(r.Context())
		items, err := s.push.Recent(r.Context(), user.Email, queryInt(r, "limit", 20))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleScenarios(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 2 && r.Method == http.MethodPost {
		var body struct {
			Data map[string]any `json:"data"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		scenario, err := s.service.CreateScenario(r.Context(), body.Data)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, scenario)
		return
	}

	if len(parts) == 3 && parts[2] == "generate" && r.Method == http.MethodPost {
		if s.generator == nil {
			writeError(w, http.StatusServiceUnavailable, "REASONING_UNAVAILABLE", "Scenario generation is not configured", nil)
			return
		}
		var brief scenariogen.Brief
		if err := decodeBody(r, &brief); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.generator.Generate(r.Context(), brief)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
		return
	}

	if len(parts) < 3 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	scenarioID := parts[2]

	if len(parts) == 3 && r.Method == http.MethodGet {
		scenario, err := s.service.GetScenario(r.Context(), scenarioID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, scenario)
		return
	}

	if len(parts) != 4 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case parts[3] == "versions" && r.Method == http.MethodGet:
		versions, err := s.service.GetVersionHistory(r.Context(), scenarioID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": versions})

	case parts[3] == "versions" && r.Method == http.MethodPost:
		var body struct {
			Snapshot map[string]any `json:"snapshot"`
			app.VersionOptions
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Snapshot == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "snapshot is required", nil)
			return
		}
		version, err := s.service.CreateVersion(r.Context(), scenarioID, body.Snapshot, body.VersionOptions)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, version)

	case parts[3] == "branches" && r.Method == http.MethodGet:
		branches, err := s.service.GetBranches(r.Context(), scenarioID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"branches": branches})

	case parts[3] == "collaborations" && r.Method == http.MethodGet:
		query := r.URL.Query()
		items, err := s.service.GetCollaborations(r.Context(), scenarioID, store.CollaborationFilter{
			Type:          strings.TrimSpace(query.Get("type")),
			Status:        strings.TrimSpace(query.Get("status")),
			TargetSection: strings.TrimSpace(query.Get("section")),
			Limit:         queryInt(r, "limit", 0),
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"collaborations": items})

	case parts[3] == "comments" && r.Method == http.MethodPost:
		var body struct {
			Content string `json:"content"`
			app.CommentOptions
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		item, err := s.service.AddComment(r.Context(), scenarioID, body.Content, body.CommentOptions)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, item)

	case parts[3] == "proposals" && r.Method == http.MethodPost:
		var body struct {
			store.EditProposal
			TargetSection string `json:"targetSection"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		item, err := s.service.ProposeEdit(r.Context(), scenarioID, body.EditProposal, body.TargetSection)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, item)

	case parts[3] == "collaborators" && r.Method == http.MethodGet:
		active, err := s.service.GetActiveCollaborators(r.Context(), scenarioID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"collaborators": active})

	case parts[3] == "what-if" && r.Method == http.MethodPost:
		if s.whatIf == nil {
			writeError(w, http.StatusServiceUnavailable, "REASONING_UNAVAILABLE", "What-if analysis is not configured", nil)
			return
		}
		var params whatif.Params
		if err := decodeBody(r, &params); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.whatIf.Analyze(r.Context(), scenarioID, params)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleVersions(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 3 && parts[2] == "compare" && r.Method == http.MethodGet {
		from := strings.TrimSpace(r.URL.Query().Get("from"))
		to := strings.TrimSpace(r.URL.Query().Get("to"))
		if from == "" || to == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "from and to are required", nil)
			return
		}
		diff, err := s.service.CompareVersions(r.Context(), from, to)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"from": from, "to": to, "diff": diff})
		return
	}

	if len(parts) == 3 && r.Method == http.MethodGet {
		version, err := s.service.GetVersion(r.Context(), parts[2])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, version)
		return
	}

	if len(parts) != 4 || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	versionID := parts[2]

	switch parts[3] {
	case "restore":
		version, err := s.service.RestoreVersion(r.Context(), versionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, version)
	case "merge":
		var body struct {
			Summary string `json:"summary"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		version, err := s.service.MergeBranch(r.Context(), versionID, body.Summary)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, version)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleCollaborations(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) != 4 || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	collaborationID := parts[2]

	switch parts[3] {
	case "resolve":
		var body struct {
			Approved *bool  `json:"approved"`
			Notes    string `json:"notes"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Approved == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "approved is required", nil)
			return
		}
		result, err := s.service.ResolveProposal(r.Context(), collaborationID, *body.Approved, body.Notes)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case "replies":
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		reply, err := s.service.AddReply(r.Context(), collaborationID, body.Content)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, reply)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.search == nil {
		writeError(w, http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
		return
	}
	query := r.URL.Query()
	text := strings.TrimSpace(query.Get("q"))
	if text == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	q := search.Query{
		Text:       text,
		ScenarioID: strings.TrimSpace(query.Get("scenarioId")),
		Limit:      queryInt(r, "limit", 20),
		Offset:     queryInt(r, "offset", 0),
	}
	switch search.ResultType(query.Get("type")) {
	case search.ResultVersion:
		q.FilterType = search.ResultVersion
	case search.ResultCollaboration:
		q.FilterType = search.ResultCollaboration
	}
	writeJSON(w, http.StatusOK, s.search.Search(r.Context(), q))
}

// requireUser resolves the bearer token into the acting user and stores it
// on the request context.
func (s *HTTPServer) requireUser(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return r, false
	}
	user, err := auth.ParseToken(s.jwtSecret, token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return r, false
	}
	return r.WithContext(auth.WithUser(r.Context(), user)), true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("request_id", requestID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		s.metrics.ObserveHTTP(r.Method, writer.status, elapsed)
		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", elapsed.Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *app.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, reasoning.ErrTimeout):
		return http.StatusGatewayTimeout, "REASONING_TIMEOUT", "Reasoning service timed out", nil
	case errors.Is(err, reasoning.ErrFailure):
		return http.StatusBadGateway, "REASONING_FAILURE", "Reasoning service failed", nil
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
