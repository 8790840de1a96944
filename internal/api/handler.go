// Package api serves the semantic layer over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"duck-semantic/internal/domain"
	"duck-semantic/internal/middleware"
	"duck-semantic/internal/schema"
	"duck-semantic/internal/service/refresh"
	"duck-semantic/internal/service/semantic"
)

const maxBodyBytes = 1 << 20

// Refresher rebuilds rollups and reports their freshness. Implemented by
// refresh.Service.
type Refresher interface {
	Refresh(ctx context.Context, id string, force bool) ([]refresh.Result, error)
	States(ctx context.Context) ([]domain.PreAggregationState, error)
	Runs(ctx context.Context, id string, page domain.PageRequest) (*refresh.RunPage, error)
}

// Handler implements the HTTP endpoints.
type Handler struct {
	semantic  *semantic.Service
	schema    func() *schema.Compiled
	exec      domain.QueryExecutor
	refresher Refresher
	logger    *slog.Logger
}

// NewHandler creates a Handler. exec and refresher may be nil, which disables
// /v1/load and rollup refreshes.
func NewHandler(sem *semantic.Service, schemaFn func() *schema.Compiled, exec domain.QueryExecutor, refresher Refresher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{semantic: sem, schema: schemaFn, exec: exec, refresher: refresher, logger: logger}
}

// SQLResponse is the body of /v1/sql.
type SQLResponse struct {
	ID              string                              `json:"id"`
	SQL             string                              `json:"sql"`
	Params          []interface{}                       `json:"params"`
	Columns         []semantic.Column                   `json:"columns"`
	PreAggregation  *semantic.PreAggregationDescription `json:"preAggregation,omitempty"`
	CacheKeyQueries []semantic.RefreshKeyQuery          `json:"cacheKeyQueries"`
}

// LoadResponse is the body of /v1/load. Data rows are keyed by member, with the
// granularity appended for bucketed time dimensions.
type LoadResponse struct {
	Query              *domain.Query            `json:"query"`
	Data               []map[string]interface{} `json:"data"`
	Annotation         []semantic.Column        `json:"annotation"`
	UsedPreAggregation string                   `json:"usedPreAggregation,omitempty"`
	RequestID          string                   `json:"requestId,omitempty"`
}

// PreAggregationResponse pairs a rollup with the freshness of its tables.
type PreAggregationResponse struct {
	semantic.PreAggregationDescription
	States []StateResponse `json:"states"`
}

// StateResponse is the API form of domain.PreAggregationState.
type StateResponse struct {
	TableName       string     `json:"tableName"`
	Status          string     `json:"status"`
	LastError       string     `json:"lastError,omitempty"`
	LastCheckedAt   *time.Time `json:"lastCheckedAt,omitempty"`
	LastRefreshedAt *time.Time `json:"lastRefreshedAt,omitempty"`
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Meta lists the public cubes and views.
func (h *Handler) Meta(w http.ResponseWriter, r *http.Request) {
	compiled, ok := h.compiled(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cubes": semantic.Meta(compiled)})
}

// SQL compiles a query without running it.
func (h *Handler) SQL(w http.ResponseWriter, r *http.Request) {
	compiled, ok := h.compiled(w, r)
	if !ok {
		return
	}
	q, err := decodeQuery(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	cq, err := h.semantic.Compile(r.Context(), compiled, q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SQLResponse{
		ID:              cq.ID,
		SQL:             cq.SQL,
		Params:          nonNil(cq.Params),
		Columns:         cq.Columns,
		PreAggregation:  cq.PreAggregation(),
		CacheKeyQueries: cq.CacheKeyQueries(),
	})
}

// Load compiles a query and runs it.
func (h *Handler) Load(w http.ResponseWriter, r *http.Request) {
	compiled, ok := h.compiled(w, r)
	if !ok {
		return
	}
	if h.exec == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Code: http.StatusServiceUnavailable, Message: "query execution is not configured"})
		return
	}
	q, err := decodeQuery(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.semantic.Load(r.Context(), h.exec, compiled, q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := LoadResponse{
		Query:      q,
		Data:       rowsByMember(res.Query.Columns, res.Data),
		Annotation: res.Query.Columns,
		RequestID:  requestID(r),
	}
	if pa := res.Query.PreAggregation(); pa != nil {
		resp.UsedPreAggregation = pa.PreAggregationID
	}
	writeJSON(w, http.StatusOK, resp)
}

// PreAggregations describes every rollup together with its table states.
func (h *Handler) PreAggregations(w http.ResponseWriter, r *http.Request) {
	compiled, ok := h.compiled(w, r)
	if !ok {
		return
	}
	descs, err := h.semantic.DescribePreAggregations(r.Context(), compiled)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	byID := map[string][]StateResponse{}
	if h.refresher != nil {
		states, err := h.refresher.States(r.Context())
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		for _, s := range states {
			byID[s.PreAggregationID] = append(byID[s.PreAggregationID], StateResponse{
				TableName:       s.TableName,
				Status:          s.Status,
				LastError:       s.LastError,
				LastCheckedAt:   s.LastCheckedAt,
				LastRefreshedAt: s.LastRefreshedAt,
			})
		}
	}
	out := make([]PreAggregationResponse, 0, len(descs))
	for _, d := range descs {
		states := byID[d.PreAggregationID]
		if states == nil {
			states = []StateResponse{}
		}
		out = append(out, PreAggregationResponse{PreAggregationDescription: d, States: states})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"preAggregations": out})
}

// RefreshPreAggregation refreshes one rollup. ?force=true rebuilds it even when
// its invalidate keys are unchanged.
func (h *Handler) RefreshPreAggregation(w http.ResponseWriter, r *http.Request) {
	if h.refresher == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Code: http.StatusServiceUnavailable, Message: "refresh is not configured"})
		return
	}
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, r, domain.ErrUser("invalid force value %q", v))
			return
		}
		force = b
	}
	id := chi.URLParam(r, "id")
	results, err := h.refresher.Refresh(r.Context(), id, force)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// RunResponse is the API form of domain.RefreshRun.
type RunResponse struct {
	ID         string    `json:"id"`
	TableName  string    `json:"tableName"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	DurationMs int64     `json:"durationMs"`
}

// RefreshRuns lists the rebuild history of one rollup, newest first, paged
// by ?max_results= and ?page_token=.
func (h *Handler) RefreshRuns(w http.ResponseWriter, r *http.Request) {
	if h.refresher == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Code: http.StatusServiceUnavailable, Message: "refresh is not configured"})
		return
	}
	page, err := domain.ParsePageRequest(r.URL.Query().Get("max_results"), r.URL.Query().Get("page_token"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.refresher.Runs(r.Context(), chi.URLParam(r, "id"), page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	runs := make([]RunResponse, len(res.Runs))
	for i := range res.Runs {
		run := &res.Runs[i]
		runs[i] = RunResponse{
			ID:         run.ID,
			TableName:  run.TableName,
			Status:     run.Status,
			Error:      run.Error,
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
			DurationMs: run.Duration().Milliseconds(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":          runs,
		"totalSize":     res.TotalSize,
		"nextPageToken": res.NextPageToken,
	})
}

func (h *Handler) compiled(w http.ResponseWriter, r *http.Request) (*schema.Compiled, bool) {
	compiled := h.schema()
	if compiled == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			Code:      http.StatusServiceUnavailable,
			Message:   "schema is not loaded",
			RequestID: requestID(r),
		})
		return nil, false
	}
	return compiled, true
}

// decodeQuery reads the query from ?query= on GET or from {"query": ...} in
// the request body.
func decodeQuery(w http.ResponseWriter, r *http.Request) (*domain.Query, error) {
	var raw []byte
	if r.Method == http.MethodGet {
		raw = []byte(r.URL.Query().Get("query"))
	} else {
		var body struct {
			Query json.RawMessage `json:"query"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
			return nil, domain.ErrUser("invalid request body: %v", err)
		}
		raw = body.Query
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, domain.ErrUser("query is required")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var q domain.Query
	if err := dec.Decode(&q); err != nil {
		return nil, domain.ErrUser("invalid query: %v", err)
	}
	return &q, nil
}

func rowsByMember(cols []semantic.Column, res *domain.QueryResult) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(res.Rows))
	for _, row := range res.Rows {
		m := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			if i >= len(row) {
				break
			}
			key := c.Member
			if c.Granularity != "" {
				key += "." + c.Granularity
			}
			m[key] = row[i]
		}
		out = append(out, m)
	}
	return out
}

func requestID(r *http.Request) string { return middleware.RequestIDFromContext(r.Context()) }

func nonNil(p []interface{}) []interface{} {
	if p == nil {
		return []interface{}{}
	}
	return p
}
