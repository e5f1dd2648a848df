// Package handler exposes the pipeline and the audit ledger over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"orbitguard/internal/conjunction"
	"orbitguard/internal/ledger"
	"orbitguard/internal/pipeline"
	"orbitguard/internal/report"
	dErrors "orbitguard/pkg/domain-errors"
	"orbitguard/pkg/platform/httputil"
	"orbitguard/pkg/requestcontext"
)

// MaxBatchSize caps POST /conjunctions/batch.
const MaxBatchSize = 1000

// Processor runs conjunctions through the pipeline.
type Processor interface {
	Process(ctx context.Context, rec conjunction.Record) (pipeline.Outcome, error)
	ProcessBatch(ctx context.Context, recs []conjunction.Record, parallelism int) ([]pipeline.BatchResult, error)
}

// Records is the read side of the ledger.
type Records interface {
	Get(ctx context.Context, id conjunction.EventID) (ledger.AuditRecord, error)
	Export(ctx context.Context, fn func(ledger.AuditRecord) error) error
	Counters(ctx context.Context) (ledger.Counters, error)
}

// Handler wires pipeline endpoints to the processor and ledger.
type Handler struct {
	processor   Processor
	records     Records
	logger      *slog.Logger
	parallelism int
	auth        func(http.Handler) http.Handler
}

type Option func(*Handler)

// WithAuth guards the submission endpoints.
func WithAuth(mw func(http.Handler) http.Handler) Option {
	return func(h *Handler) {
		h.auth = mw
	}
}

func WithParallelism(n int) Option {
	return func(h *Handler) {
		h.parallelism = n
	}
}

func New(processor Processor, records Records, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		processor:   processor,
		records:     records,
		logger:      logger,
		parallelism: 4,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the endpoints on r; callers mount r under /v1.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.auth != nil {
			r.Use(h.auth)
		}
		r.Post("/conjunctions", h.HandleSubmit)
		r.Post("/conjunctions/batch", h.HandleSubmitBatch)
	})
	r.Get("/records", h.HandleExport)
	r.Get("/records/{eventID}", h.HandleGetRecord)
	r.Get("/counters", h.HandleCounters)
	r.Get("/report/summary", h.HandleSummary)
}

// HandleSubmit handles POST /conjunctions. A new record answers 201, a
// resubmitted event 200 with the stored record.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	rec, ok := httputil.Decode[conjunction.Record](w, r, h.logger, requestID)
	if !ok {
		return
	}

	out, err := h.processor.Process(ctx, rec)
	if err != nil {
		h.logger.WarnContext(ctx, "conjunction submission failed",
			"request_id", requestID,
			"operator", requestcontext.Operator(ctx),
			"cdm_id", rec.CDMID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "conjunction submitted",
		"request_id", requestID,
		"operator", requestcontext.Operator(ctx),
		"client_ip", requestcontext.ClientIP(ctx),
		"event_id", out.Record.EventID,
		"decision", out.Record.Decision,
		"replayed", out.Replayed,
		"duration_ms", time.Since(requestcontext.Now(ctx)).Milliseconds(),
	)

	status := http.StatusCreated
	if out.Replayed {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, out)
}

type batchRequest struct {
	Records []conjunction.Record `json:"records"`
}

type batchItem struct {
	Index   int               `json:"index"`
	Outcome *pipeline.Outcome `json:"outcome,omitempty"`
	Error   *batchError       `json:"error,omitempty"`
}

type batchError struct {
	Code        dErrors.Code `json:"code"`
	Description string       `json:"error_description,omitempty"`
	Fields      []string     `json:"fields,omitempty"`
}

type batchResponse struct {
	Results []batchItem `json:"results"`
	Failed  int         `json:"failed"`
}

// HandleSubmitBatch handles POST /conjunctions/batch. Per-record failures are
// reported inline; the response is 200 unless the request itself is bad.
func (h *Handler) HandleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.Decode[batchRequest](w, r, h.logger, requestID)
	if !ok {
		return
	}
	if len(req.Records) == 0 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "records must not be empty"))
		return
	}
	if len(req.Records) > MaxBatchSize {
		httputil.WriteError(w, dErrors.Newf(dErrors.CodeBadRequest, "at most %d records per batch", MaxBatchSize))
		return
	}

	results, err := h.processor.ProcessBatch(ctx, req.Records, h.parallelism)
	if err != nil {
		h.logger.WarnContext(ctx, "batch interrupted", "request_id", requestID, "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "batch interrupted"))
		return
	}

	resp := batchResponse{Results: make([]batchItem, len(results))}
	for i, res := range results {
		item := batchItem{Index: res.Index, Outcome: res.Outcome}
		if res.Err != nil {
			resp.Failed++
			item.Error = toBatchError(res.Err)
		}
		resp.Results[i] = item
	}

	h.logger.InfoContext(ctx, "conjunction batch submitted",
		"request_id", requestID,
		"operator", requestcontext.Operator(ctx),
		"records", len(results),
		"failed", resp.Failed,
		"duration_ms", time.Since(requestcontext.Now(ctx)).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func toBatchError(err error) *batchError {
	code := dErrors.CodeOf(err)
	be := &batchError{Code: code, Fields: dErrors.FieldsOf(err)}
	if code != dErrors.CodeInternal {
		be.Description = err.Error()
	}
	return be
}

// HandleGetRecord handles GET /records/{eventID}.
func (h *Handler) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := conjunction.ParseEventID(chi.URLParam(r, "eventID"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid event id"))
		return
	}
	rec, err := h.records.Get(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

// HandleExport handles GET /records, streaming every record as NDJSON in
// sequence order.
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)

	n := 0
	err := h.records.Export(ctx, func(rec ledger.AuditRecord) error {
		if err := enc.Encode(rec); err != nil {
			return err
		}
		n++
		if flusher != nil && n%256 == 0 {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		// Headers are gone once the first line is written; the client sees a
		// truncated stream.
		h.logger.ErrorContext(ctx, "record export failed",
			"request_id", requestcontext.RequestID(ctx),
			"exported", n,
			"error", err,
		)
		if n == 0 {
			httputil.WriteError(w, err)
		}
	}
}

// HandleCounters handles GET /counters.
func (h *Handler) HandleCounters(w http.ResponseWriter, r *http.Request) {
	c, err := h.records.Counters(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, c)
}

// HandleSummary handles GET /report/summary?bins=N.
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	bins := report.DefaultBins
	if raw := r.URL.Query().Get("bins"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "bins must be an integer between 1 and 100"))
			return
		}
		bins = n
	}
	s, err := report.Summarize(r.Context(), h.records, bins)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s)
}
