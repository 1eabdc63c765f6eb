package frontend

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"unimcp/internal/domain"
	"unimcp/internal/infra/telemetry"
)

const maxRequestBody = 4 << 20

type sourceHealth struct {
	domain.SourceState
	Connected bool `json:"connected"`
}

type healthResponse struct {
	Status        string                  `json:"status"`
	Service       string                  `json:"service"`
	Version       string                  `json:"version"`
	Timestamp     string                  `json:"timestamp"`
	UptimeSeconds int64                   `json:"uptimeSeconds"`
	Ports         map[string]int          `json:"ports"`
	WebSocket     map[string]any          `json:"websocket"`
	Sources       int                     `json:"sources"`
	ActiveSources int                     `json:"activeSources"`
	SourceDetails map[string]sourceHealth `json:"sourceDetails"`
}

type addSourceRequest struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	URL           string   `json:"url"`
	ListPath      string   `json:"listPath"`
	CallPath      string   `json:"callPath"`
	ResponseShape string   `json:"responseShape"`
	ToolCount     int      `json:"toolCount"`
	Categories    []string `json:"categories"`
	Enabled       *bool    `json:"enabled"`
}

func (r addSourceRequest) spec() domain.SourceSpec {
	kind := domain.AccessKind(r.Type)
	if strings.TrimSpace(r.Type) == "" {
		kind = domain.AccessHTTP
	}
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return domain.SourceSpec{
		ID:            r.ID,
		Name:          r.Name,
		Type:          kind,
		URL:           r.URL,
		ListPath:      r.ListPath,
		CallPath:      r.CallPath,
		ResponseShape: r.ResponseShape,
		Enabled:       enabled,
		ToolCount:     r.ToolCount,
		Categories:    r.Categories,
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": domain.GatewayName,
		"version": domain.GatewayVersion,
		"status":  "running",
		"endpoints": map[string]string{
			"mcp":       "POST /mcp",
			"websocket": "GET /ws",
			"health":    "GET /health",
			"metrics":   "GET /metrics",
			"addSource": "POST /admin/add-source",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	catalog := s.catalog.Aggregate(r.Context())
	now := s.now()

	details := make(map[string]sourceHealth, len(catalog.Sources))
	degraded := false
	for id, state := range catalog.Sources {
		online := state.Status == domain.StatusOnline
		if !online && state.Status != domain.StatusDisabled {
			degraded = true
		}
		details[id] = sourceHealth{SourceState: state, Connected: online}
	}
	status := "healthy"
	if degraded {
		status = "degraded"
	}

	ports := make(map[string]int, len(s.listeners))
	for _, l := range s.listeners {
		if l.Enabled {
			ports[l.Name] = l.Port
		}
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:        status,
		Service:       domain.GatewayName,
		Version:       domain.GatewayVersion,
		Timestamp:     now.UTC().Format(time.RFC3339),
		UptimeSeconds: int64(now.Sub(s.started).Seconds()),
		Ports:         ports,
		WebSocket: map[string]any{
			"path":    "/ws",
			"clients": s.ws.Count(),
		},
		Sources:       len(catalog.Sources),
		ActiveSources: catalog.ActiveSources(),
		SourceDetails: details,
	})
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Bad Request", "message": err.Error()})
		return
	}
	reply := s.dispatcher.Handle(r.Context(), body)
	if reply == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply)
}

func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request) {
	logger := telemetry.LoggerWithRequest(r.Context(), s.logger)

	var req addSourceRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := decoder.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Bad Request", "message": "invalid JSON body: " + err.Error()})
		return
	}
	spec := req.spec()
	src, err := spec.ToSource()
	if err == nil {
		err = s.registrar.Register(src)
	}
	if err != nil {
		status := statusForError(err)
		writeJSON(w, status, map[string]string{"error": http.StatusText(status), "message": err.Error()})
		return
	}

	if s.peers != nil {
		s.peers.Attach(src)
	}
	persisted := false
	if s.persister != nil {
		if err := s.persister.SaveSource(spec); err != nil {
			logger.Warn("persist runtime source failed", telemetry.SourceField(src.ID), zap.Error(err))
		} else {
			persisted = true
		}
	}
	logger.Info("source added at runtime",
		telemetry.SourceField(src.ID),
		telemetry.SourceTypeField(string(src.Kind())),
		zap.Bool("persisted", persisted),
	)
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":   true,
		"source":    spec,
		"persisted": persisted,
	})
}

// statusForError maps a registration failure to its HTTP status. Failures
// without a domain code are malformed requests.
func statusForError(err error) int {
	code, ok := domain.CodeFrom(err)
	if !ok {
		return http.StatusBadRequest
	}
	switch code {
	case domain.CodeAlreadyExists:
		return http.StatusConflict
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeFailedPrecond:
		return http.StatusPreconditionFailed
	case domain.CodeUnavailable:
		return http.StatusServiceUnavailable
	case domain.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case domain.CodeInternal, domain.CodeUpstream:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
