package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"crewd/internal/domain"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
	maxBodyBytes       = 1 << 20
)

type processRequestBody struct {
	TenantID string `json:"tenantId"`
	Channel  string `json:"channel"`
	Payload  string `json:"payload"`
}

func (s *Server) handleProcessRequest(w http.ResponseWriter, r *http.Request) {
	var body processRequestBody
	if !s.decode(w, r, &body) {
		return
	}

	outcome, err := s.orchestrator.ProcessRequest(r.Context(), body.TenantID, body.Channel, body.Payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleDiscoverTools(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"

	tools := s.discovery.DiscoverAll(r.Context(), tenantID, force)
	s.writeJSON(w, http.StatusOK, tools)
}

func (s *Server) handleToolSummary(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.discovery.AvailabilitySummary(r.Context(), tenantID))
}

func (s *Server) handleInvalidateTools(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	s.discovery.Invalidate(r.Context(), tenantID, r.URL.Query().Get("registry"))
	w.WriteHeader(http.StatusNoContent)
}

type storeKnowledgeResponse struct {
	Stored bool   `json:"stored"`
	ID     string `json:"id,omitempty"`
}

func (s *Server) handleStoreKnowledge(w http.ResponseWriter, r *http.Request) {
	var item domain.KnowledgeItem
	if !s.decode(w, r, &item) {
		return
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	notify := r.URL.Query().Get("notify") != "false"

	if !s.knowledge.Store(r.Context(), item, notify) {
		s.writeJSON(w, http.StatusUnprocessableEntity, storeKnowledgeResponse{Stored: false})
		return
	}
	s.writeJSON(w, http.StatusCreated, storeKnowledgeResponse{Stored: true, ID: item.ID})
}

func (s *Server) handleRetrieveKnowledge(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	topic := r.URL.Query().Get("topic")

	item, found := s.knowledge.Retrieve(r.Context(), tenantID, id, topic)
	if !found {
		s.writeError(w, domain.E(domain.CodeNotFound, "gateway.retrieve", "knowledge item not found", nil))
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleSearchKnowledge(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), defaultSearchLimit)
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	topic := q.Get("topic")
	query := q.Get("query")
	switch {
	case topic != "":
		var tags []string
		if raw := q.Get("tags"); raw != "" {
			tags = strings.Split(raw, ",")
		}
		s.writeJSON(w, http.StatusOK, s.knowledge.SearchByTopic(r.Context(), tenantID, topic, limit, tags))
	case query != "":
		s.writeJSON(w, http.StatusOK, s.knowledge.SearchByContent(r.Context(), tenantID, query, limit))
	default:
		s.writeError(w, domain.E(domain.CodeInvalidArgument, "gateway.search", "topic or query is required", nil))
	}
}

func (s *Server) handleReadEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	fromID := q.Get("from")
	if fromID == "" {
		fromID = "0"
	}
	count := int64(queryInt(q.Get("count"), domain.DefaultEventReadCount))

	events := s.knowledge.ReadEvents(r.Context(), tenantID, fromID, count)
	s.writeJSON(w, http.StatusOK, events)
}

type cleanupResponse struct {
	Removed int `json:"removed"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	removed := s.knowledge.CleanupExpired(r.Context(), tenantID)
	s.writeJSON(w, http.StatusOK, cleanupResponse{Removed: removed})
}

func (s *Server) handleExecutionMetrics(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.orchestrator.ExecutionMetrics(r.Context(), tenantID))
}

func (s *Server) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		s.writeError(w, domain.E(domain.CodeInvalidArgument, "gateway", "tenant query parameter is required", nil))
		return "", false
	}
	return tenantID, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, domain.E(domain.CodeInvalidArgument, "gateway.decode", "unparseable request body", err))
		return false
	}
	return true
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code, ok := domain.CodeFrom(err)
	if !ok {
		code = domain.CodeInternal
	}
	s.writeJSON(w, httpStatus(code), errorResponse{Code: string(code), Message: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func httpStatus(code domain.ErrorCode) int {
	switch code {
	case domain.CodeInvalidArgument:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeUnavailable:
		return http.StatusServiceUnavailable
	case domain.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case domain.CodeExecutionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
