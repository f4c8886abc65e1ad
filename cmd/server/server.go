package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/liamcoop/tollpricing/fees"
	"github.com/liamcoop/tollpricing/internal/apperrors"
	"github.com/liamcoop/tollpricing/internal/logger"
	"github.com/liamcoop/tollpricing/internal/metrics"
	"github.com/liamcoop/tollpricing/reconcile"
)

const slowRequestThreshold = 2 * time.Second

type Server struct {
	db             *sql.DB // nil when running on in-memory stores
	fees           *fees.Service
	reconciler     *reconcile.Service
	reconcileOpts  []reconcile.Option
	metrics        *metrics.Collector
	validate       *validator.Validate
	maxUploadBytes int64
	router         *chi.Mux
}

// Deps are the collaborators a Server is built from
type Deps struct {
	DB             *sql.DB
	Fees           *fees.Service
	Reconciler     *reconcile.Service
	ReconcileOpts  []reconcile.Option
	Metrics        *metrics.Collector
	MaxUploadBytes int64
}

func NewServer(deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector()
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = 10 << 20
	}

	s := &Server{
		db:             deps.DB,
		fees:           deps.Fees,
		reconciler:     deps.Reconciler,
		reconcileOpts:  deps.ReconcileOpts,
		metrics:        deps.Metrics,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		maxUploadBytes: deps.MaxUploadBytes,
	}
	s.setupRoutes()
	return s
}

// handlerTimeout bounds a request inside the router. The http.Server write
// deadline sits above it so the 504 from the timeout middleware reaches the client.
const handlerTimeout = 60 * time.Second

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: handlerTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(handlerTimeout))

	r.Get("/api/v1/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	// Fee computation
	r.Post("/api/v1/fees/quote", s.handleQuote)
	r.Post("/api/v1/fees/compute", s.handleCompute)

	// Rule management
	r.Route("/api/v1/rules", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Post("/", s.handleCreateRule)
		r.Get("/{ruleId}", s.handleGetRule)
		r.Put("/{ruleId}", s.handleUpdateRule)
		r.Delete("/{ruleId}", s.handleDeleteRule)
	})

	// Reconciliation
	r.Post("/api/v1/reconcile", s.handleReconcile)
	r.Route("/api/v1/reconciliation/files", func(r chi.Router) {
		r.Get("/", s.handleListFiles)
		r.Post("/", s.handleUploadFile)
		r.Get("/{fileId}", s.handleGetFile)
		r.Get("/{fileId}/report", s.handleFileReport)
		r.Post("/{fileId}/settle", s.handleSettleFile)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs each request and feeds the HTTP counters
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.metrics.ObserveRequest(r.Method, route, fmt.Sprint(status), elapsed)

		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		}
		switch {
		case status >= 500:
			logger.ErrorHttp5xx()
			logger.Error("request failed", args...)
		case status >= 400:
			logger.WarnHttp4xx(status)
			logger.Info("request rejected", args...)
		default:
			logger.Debug("request served", args...)
		}
		if elapsed > slowRequestThreshold {
			logger.WarnSlowRequest()
			logger.Warn("slow request", args...)
		}
	})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		respondJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Database: "ok"})
}

// Quote handler prices a crossing with the stored rules
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if !s.decode(w, r, &req) {
		return
	}

	quote, err := s.fees.Quote(r.Context(), req.Event.toEvent())
	if err != nil {
		respondAppError(w, "failed to compute fee", err)
		return
	}
	s.metrics.ObserveQuote(len(quote.AppliedRules) > 0, len(quote.Warnings))
	respondJSON(w, http.StatusOK, quote)
}

// Compute handler prices a crossing with the rules in the request
func (s *Server) handleCompute(w http.ResponseWriter, r *http.Request) {
	var req ComputeRequest
	if !s.decode(w, r, &req) {
		return
	}

	quote, err := s.fees.Engine().ComputeFee(req.RuleSet, req.Event.toEvent())
	if err != nil {
		respondAppError(w, "failed to compute fee", err)
		return
	}
	s.metrics.ObserveQuote(len(quote.AppliedRules) > 0, len(quote.Warnings))
	respondJSON(w, http.StatusOK, quote)
}

// List rules handler
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rulesList, err := s.fees.ListRules(r.Context())
	if err != nil {
		respondAppError(w, "failed to list rules", err)
		return
	}
	if rulesList == nil {
		rulesList = []*fees.FeeRule{}
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: rulesList})
}

// Create rule handler
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if !s.decode(w, r, &req) {
		return
	}

	rule := req.toRule("")
	if err := s.fees.AddRule(r.Context(), rule); err != nil {
		respondAppError(w, "failed to add rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

// Get rule handler
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.fees.GetRule(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondAppError(w, "rule not found", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// Update rule handler
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if !s.decode(w, r, &req) {
		return
	}

	rule := req.toRule(chi.URLParam(r, "ruleId"))
	if err := s.fees.UpdateRule(r.Context(), rule); err != nil {
		respondAppError(w, "failed to update rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// Delete rule handler
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.fees.DeleteRule(r.Context(), chi.URLParam(r, "ruleId")); err != nil {
		respondAppError(w, "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reconcile handler compares two record sets in the request
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if !s.decode(w, r, &req) {
		return
	}

	discrepancies, err := reconcile.Reconcile(req.Ours, req.Theirs, s.reconcileOpts...)
	s.metrics.ObserveReconciliation(err, len(req.Theirs), countByType(discrepancies))
	if err != nil {
		respondAppError(w, "reconciliation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, ReconcileResponse{Discrepancies: discrepancies, Count: len(discrepancies)})
}

// Upload handler reconciles a provider settlement file
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, apperrors.CodeValidation, "invalid multipart upload", err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, apperrors.CodeValidation, "file is required", err)
		return
	}
	defer file.Close()

	from, err := parseFormTime(r.FormValue("from"))
	if err != nil {
		respondError(w, http.StatusBadRequest, apperrors.CodeValidation, "from must be RFC 3339 or YYYY-MM-DD", err)
		return
	}
	to, err := parseFormTime(r.FormValue("to"))
	if err != nil {
		respondError(w, http.StatusBadRequest, apperrors.CodeValidation, "to must be RFC 3339 or YYYY-MM-DD", err)
		return
	}

	f, err := s.reconciler.Process(r.Context(), reconcile.Upload{
		Filename:    header.Filename,
		Content:     file,
		Range:       reconcile.Range{From: from, To: to},
		ProcessedBy: r.FormValue("processedBy"),
	})
	if f != nil {
		s.metrics.ObserveReconciliation(err, f.TransactionCount, countByType(f.Discrepancies))
	}
	if err != nil {
		// a failed file is still recorded, return it so the caller can see the reason
		if f != nil {
			code := apperrors.Code(err)
			respondError(w, statusFor(code), code, err.Error(), f)
			return
		}
		respondAppError(w, "reconciliation failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, f)
}

// List files handler
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.reconciler.List(r.Context())
	if err != nil {
		respondAppError(w, "failed to list files", err)
		return
	}
	if files == nil {
		files = []*reconcile.File{}
	}
	respondJSON(w, http.StatusOK, FilesListResponse{Files: files})
}

// Get file handler
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	f, err := s.reconciler.Get(r.Context(), chi.URLParam(r, "fileId"))
	if err != nil {
		respondAppError(w, "file not found", err)
		return
	}
	respondJSON(w, http.StatusOK, f)
}

// Report handler downloads a file's discrepancies as CSV
func (s *Server) handleFileReport(w http.ResponseWriter, r *http.Request) {
	f, err := s.reconciler.Get(r.Context(), chi.URLParam(r, "fileId"))
	if err != nil {
		respondAppError(w, "file not found", err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "discrepancy-report-"+f.Filename+".csv"))
	w.WriteHeader(http.StatusOK)
	if err := reconcile.WriteReportCSV(w, f.Discrepancies); err != nil {
		logger.Error("failed to write discrepancy report", "file_id", f.ID, "error", err)
	}
}

// Settle handler marks a completed file as settled
func (s *Server) handleSettleFile(w http.ResponseWriter, r *http.Request) {
	f, err := s.reconciler.Settle(r.Context(), chi.URLParam(r, "fileId"))
	if err != nil {
		respondAppError(w, "failed to settle file", err)
		return
	}
	respondJSON(w, http.StatusOK, f)
}

// decode reads and validates a JSON body, replying with 400 on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, apperrors.CodeValidation, "invalid request body", err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			details := make(map[string]string, len(fieldErrs))
			for _, fe := range fieldErrs {
				details[fe.Namespace()] = fe.Tag()
			}
			respondError(w, http.StatusBadRequest, apperrors.CodeValidation, "request validation failed", details)
			return false
		}
		respondError(w, http.StatusBadRequest, apperrors.CodeValidation, "request validation failed", err.Error())
		return false
	}
	return true
}

func countByType(ds []reconcile.Discrepancy) map[string]int {
	out := make(map[string]int)
	for _, d := range ds {
		out[string(d.Type)]++
	}
	return out
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string, details any) {
	if err, ok := details.(error); ok {
		details = err.Error()
	}
	respondJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

// respondAppError maps an error onto its API code and status
func respondAppError(w http.ResponseWriter, message string, err error) {
	code := apperrors.Code(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		logger.Error(message, "error", err)
		respondError(w, status, code, message, nil)
		return
	}
	respondError(w, status, code, message, err)
}

func statusFor(code string) int {
	switch code {
	case apperrors.CodeValidation, apperrors.CodeConfiguration:
		return http.StatusBadRequest
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeDuplicate:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
