package httpapi

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/agentworkforce/scanlist/internal/scanlist"
)

// RequestObserver receives one call per finished request.
type RequestObserver interface {
	ObserveRequest(route string, code int)
}

type ServerConfig struct {
	AuthToken          string
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	StreamPollInterval time.Duration
	Metrics            http.Handler
	Observer           RequestObserver
	Logger             *zap.Logger
}

type Server struct {
	store       *scanlist.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
	router      *mux.Router
	logger      *zap.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type correlationKey struct{}

func NewServer(store *scanlist.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *scanlist.Store, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.StreamPollInterval <= 0 {
		cfg.StreamPollInterval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *mux.Router {
	notFound := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationFromHeader(req))
	})
	methodNotAllowed := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationFromHeader(req))
	})
	r := mux.NewRouter()
	r.NotFoundHandler = notFound
	r.MethodNotAllowedHandler = methodNotAllowed
	r.Use(s.withCorrelation, s.withObserver, s.withAuth, s.withRateLimit)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet).Name("health")
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet).Name("metrics")
	r.HandleFunc("/v1/admin/backends", s.handleAdminBackends).Methods(http.MethodGet).Name("admin_backends")

	v1 := r.PathPrefix("/v1/lists").Subrouter()
	// Subrouters do not inherit the parent's error handlers.
	v1.NotFoundHandler = notFound
	v1.MethodNotAllowedHandler = methodNotAllowed
	v1.HandleFunc("", s.handleListLists).Methods(http.MethodGet).Name("lists")
	v1.HandleFunc("", s.handleCreateList).Methods(http.MethodPost).Name("create_list")
	v1.HandleFunc("/{id}", s.handleGetList).Methods(http.MethodGet).Name("list")
	v1.HandleFunc("/{id}", s.handlePatchList).Methods(http.MethodPatch).Name("update_list")
	v1.HandleFunc("/{id}", s.handleDeleteList).Methods(http.MethodDelete).Name("delete_list")
	v1.HandleFunc("/{id}/columns", s.handleSetColumns).Methods(http.MethodPut).Name("columns")
	v1.HandleFunc("/{id}/scan", s.handleScan).Methods(http.MethodPost).Name("scan")
	v1.HandleFunc("/{id}/scan/preview", s.handleScanPreview).Methods(http.MethodPost).Name("scan_preview")
	v1.HandleFunc("/{id}/scan/commit", s.handleScanCommit).Methods(http.MethodPost).Name("scan_commit")
	v1.HandleFunc("/{id}/rows", s.handleAddRow).Methods(http.MethodPost).Name("add_row")
	v1.HandleFunc("/{id}/rows/{index:[0-9]+}", s.handleDeleteRow).Methods(http.MethodDelete).Name("delete_row")
	v1.HandleFunc("/{id}/rows/{index:[0-9]+}/fields/{field:[0-9]+}", s.handleUpdateCell).Methods(http.MethodPut).Name("update_cell")
	v1.HandleFunc("/{id}/rows/{index:[0-9]+}/deliver", s.handleDeliverRow).Methods(http.MethodPost).Name("deliver_row")
	v1.HandleFunc("/{id}/redrive", s.handleRedrive).Methods(http.MethodPost).Name("redrive")
	v1.HandleFunc("/{id}/export.csv", s.handleExport).Methods(http.MethodGet).Name("export")
	v1.HandleFunc("/{id}/handoff", s.handleHandoff).Methods(http.MethodGet).Name("handoff")
	v1.HandleFunc("/{id}/events", s.handleEvents).Methods(http.MethodGet).Name("events")
	v1.HandleFunc("/{id}/events/stream", s.handleEventStream).Methods(http.MethodGet).Name("events_stream")
	return r
}

func (s *Server) withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := correlationFromHeader(r)
		if correlationID == "" {
			correlationID = "corr_" + uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", correlationID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, correlationID)))
	})
}

func (s *Server) withObserver(next http.Handler) http.Handler {
	if s.cfg.Observer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := "unknown"
		if current := mux.CurrentRoute(r); current != nil && current.GetName() != "" {
			route = current.GetName()
		}
		s.cfg.Observer.ObserveRequest(route, rec.status)
	})
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" || r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token", getCorrelationID(r))
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token", getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter == nil || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics == nil {
		writeError(w, http.StatusNotFound, "not_found", "metrics are disabled", getCorrelationID(r))
		return
	}
	s.cfg.Metrics.ServeHTTP(w, r)
}

func (s *Server) handleAdminBackends(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.GetBackendStatus())
}

type listSummary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Columns    int       `json:"columns"`
	Rows       int       `json:"rows"`
	Delivered  int       `json:"delivered"`
	SinkURL    string    `json:"sinkUrl,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

type listView struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Columns    []string           `json:"columns"`
	Rows       []rowView          `json:"rows"`
	SinkURL    string             `json:"sinkUrl,omitempty"`
	Recipient  scanlist.Recipient `json:"recipient"`
	Delivered  int                `json:"delivered"`
	CreatedAt  time.Time          `json:"createdAt"`
	ModifiedAt time.Time          `json:"modifiedAt"`
}

type rowView struct {
	Index     int      `json:"index"`
	Key       string   `json:"key"`
	Date      string   `json:"date"`
	Time      string   `json:"time"`
	Values    []string `json:"values"`
	Extra     []string `json:"extra,omitempty"`
	Delivered bool     `json:"delivered"`
}

func summarizeList(list scanlist.List) listSummary {
	return listSummary{
		ID:         list.ID,
		Name:       list.Name,
		Columns:    len(list.Columns),
		Rows:       len(list.Rows),
		Delivered:  countDelivered(list),
		SinkURL:    list.SinkURL,
		CreatedAt:  list.CreatedAt,
		ModifiedAt: list.ModifiedAt,
	}
}

func viewList(list scanlist.List) listView {
	rows := make([]rowView, len(list.Rows))
	for i, row := range list.Rows {
		aligned, extra := row.Split(list.Columns)
		rows[i] = rowView{
			Index:     i,
			Key:       row.Key(),
			Date:      row.Date,
			Time:      row.Time,
			Values:    aligned,
			Extra:     extra,
			Delivered: list.IsDelivered(row.Key()),
		}
	}
	columns := list.Columns
	if columns == nil {
		columns = []string{}
	}
	return listView{
		ID:         list.ID,
		Name:       list.Name,
		Columns:    columns,
		Rows:       rows,
		SinkURL:    list.SinkURL,
		Recipient:  list.Recipient,
		Delivered:  countDelivered(list),
		CreatedAt:  list.CreatedAt,
		ModifiedAt: list.ModifiedAt,
	}
}

func countDelivered(list scanlist.List) int {
	count := 0
	for _, row := range list.Rows {
		if list.IsDelivered(row.Key()) {
			count++
		}
	}
	return count
}

func (s *Server) handleListLists(w http.ResponseWriter, _ *http.Request) {
	lists := s.store.ListLists()
	out := make([]listSummary, len(lists))
	for i, list := range lists {
		out[i] = summarizeList(list)
	}
	writeJSON(w, http.StatusOK, map[string]any{"lists": out})
}

func (s *Server) handleCreateList(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req struct {
		Name string `json:"name"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	list, err := s.store.CreateList(req.Name)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, viewList(list))
}

func (s *Server) handleGetList(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.GetList(mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, viewList(list))
}

// handlePatchList applies a rename and/or a settings change. Omitted fields
// keep their current value.
func (s *Server) handlePatchList(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	listID := mux.Vars(r)["id"]
	var req struct {
		Name      *string             `json:"name"`
		SinkURL   *string             `json:"sinkUrl"`
		Recipient *scanlist.Recipient `json:"recipient"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	list, err := s.store.GetList(listID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if req.Name != nil {
		if list, err = s.store.RenameList(listID, *req.Name); err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
	}
	if req.SinkURL != nil || req.Recipient != nil {
		settings := scanlist.Settings{SinkURL: list.SinkURL, Recipient: list.Recipient}
		if req.SinkURL != nil {
			settings.SinkURL = *req.SinkURL
		}
		if req.Recipient != nil {
			settings.Recipient = *req.Recipient
		}
		if list, err = s.store.UpdateSettings(listID, settings); err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
	}
	writeJSON(w, http.StatusOK, viewList(list))
}

func (s *Server) handleDeleteList(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteList(mux.Vars(r)["id"]); err != nil {
		s.writeStoreError(w, err, getCorrelationID(r))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetColumns(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req struct {
		Columns []string `json:"columns"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	list, err := s.store.SetColumns(mux.Vars(r)["id"], req.Columns)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, viewList(list))
}

// readPayload accepts either a JSON body {"payload": "..."} or the raw
// decoded text with a text/plain content type.
func (s *Server) readPayload(w http.ResponseWriter, r *http.Request, correlationID string) (string, bool) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "text/plain" {
		body, ok := s.readRequestBody(w, r, correlationID)
		if !ok {
			return "", false
		}
		return string(body), true
	}
	var req struct {
		Payload string `json:"payload"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return "", false
	}
	return req.Payload, true
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	payload, ok := s.readPayload(w, r, correlationID)
	if !ok {
		return
	}
	result, err := s.store.Capture(mux.Vars(r)["id"], payload, correlationID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleScanPreview(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	payload, ok := s.readPayload(w, r, correlationID)
	if !ok {
		return
	}
	draft, err := s.store.PreviewCapture(mux.Vars(r)["id"], payload)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *Server) handleScanCommit(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var draft scanlist.Draft
	if !s.decodeJSONBody(w, r, correlationID, &draft) {
		return
	}
	result, err := s.store.CommitDraft(mux.Vars(r)["id"], draft, correlationID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleAddRow(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req struct {
		Values []string `json:"values"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	result, err := s.store.AddManual(mux.Vars(r)["id"], req.Values, correlationID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleDeleteRow(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	vars := mux.Vars(r)
	index, ok := pathIndex(w, vars["index"], correlationID)
	if !ok {
		return
	}
	if err := s.store.DeleteRow(vars["id"], index, correlationID); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateCell(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	vars := mux.Vars(r)
	index, ok := pathIndex(w, vars["index"], correlationID)
	if !ok {
		return
	}
	field, ok := pathIndex(w, vars["field"], correlationID)
	if !ok {
		return
	}
	var req struct {
		Value string `json:"value"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	row, err := s.store.UpdateCell(vars["id"], index, field, req.Value, correlationID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": row.Key(), "row": row})
}

func (s *Server) handleDeliverRow(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	vars := mux.Vars(r)
	index, ok := pathIndex(w, vars["index"], correlationID)
	if !ok {
		return
	}
	outcome, err := s.store.DeliverAt(r.Context(), vars["id"], index, correlationID)
	if err != nil && !errors.Is(err, scanlist.ErrStorage) {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if err != nil {
		s.logger.Error("delivery outcome not persisted", zap.String("correlation_id", correlationID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleRedrive(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	report, err := s.store.Redrive(r.Context(), mux.Vars(r)["id"], correlationID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	list, err := s.store.GetList(mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	data, err := scanlist.ExportCSV(list)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": scanlist.ExportFileName(list.Name),
	}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleHandoff(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.GetList(mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, err, getCorrelationID(r))
		return
	}
	query := r.URL.Query()
	writeJSON(w, http.StatusOK, scanlist.BuildHandoff(list, query.Get("email"), query.Get("phone")))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 200, 1, 1000)
	feed, err := s.store.GetEvents(mux.Vars(r)["id"], r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.writeStoreError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, scanlist.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, scanlist.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, scanlist.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	case errors.Is(err, scanlist.ErrStorage):
		s.logger.Error("storage failure", zap.String("correlation_id", correlationID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error(), correlationID)
	case errors.Is(err, scanlist.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	default:
		s.logger.Error("request failed", zap.String("correlation_id", correlationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func pathIndex(w http.ResponseWriter, raw, correlationID string) (int, bool) {
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid index %q", raw), correlationID)
		return 0, false
	}
	return value, true
}

func getCorrelationID(r *http.Request) string {
	if value, ok := r.Context().Value(correlationKey{}).(string); ok {
		return value
	}
	return correlationFromHeader(r)
}

func correlationFromHeader(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for websocket clients.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func clientKey(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return "token|" + token
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}
