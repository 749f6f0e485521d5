package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oapi-codegen/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"govcheck/internal/api"
	"govcheck/internal/domain"
	"govcheck/internal/ports"
	"govcheck/internal/services/analyses"
)

const (
	defaultWaitTimeout = 120 * time.Second
	maxBodyBytes       = 64 << 10
)

type Server struct {
	analyses ports.Analyses
	profiles ports.Profiles
	gatherer prometheus.Gatherer
	log      *slog.Logger
}

type Config struct {
	Analyses ports.Analyses
	Profiles ports.Profiles
	Gatherer prometheus.Gatherer // nil disables /metrics
	Logger   *slog.Logger
}

func New(cfg Config) *Server {
	s := &Server{analyses: cfg.Analyses, profiles: cfg.Profiles, gatherer: cfg.Gatherer, log: cfg.Logger}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Routes returns the API router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.logRequests, middleware.Recoverer)

	r.Get("/healthz", s.getHealthz)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/categories", s.getCategories)
	r.Route("/analyses", func(r chi.Router) {
		r.Post("/", s.postAnalyses)
		r.Get("/", s.listAnalyses)
		r.Get("/{id}", s.getAnalysis)
		r.Delete("/{id}", s.deleteAnalysis)
		r.Get("/{id}/result", s.getResult)
		r.Get("/{id}/details", s.getDetails)
		r.Get("/{id}/progress", s.streamProgress)
	})
	r.Get("/domains/{domain}/latest", s.getLatestProfile)
	return r
}

func (s *Server) getHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.Health{Status: "ok"})
}

func (s *Server) getCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.NewCategoryList(s.analyses.Categories()))
}

func (s *Server) postAnalyses(w http.ResponseWriter, r *http.Request) {
	var params api.PostAnalysesParams
	if err := runtime.BindQueryParameter("form", true, false, "wait", r.URL.Query(), &params.Wait); err != nil {
		writeError(w, http.StatusBadRequest, "invalid wait: "+err.Error())
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "timeout", r.URL.Query(), &params.Timeout); err != nil {
		writeError(w, http.StatusBadRequest, "invalid timeout: "+err.Error())
		return
	}
	var body api.AnalysisRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	if params.Wait != nil && *params.Wait {
		timeout := defaultWaitTimeout
		if params.Timeout != nil && *params.Timeout > 0 {
			timeout = time.Duration(*params.Timeout) * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		view, err := s.analyses.AnalyzeInline(ctx, body.URL, body.Categories)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, api.NewAnalysisStatus(view))
		return
	}

	id, err := s.analyses.StartAnalysis(r.Context(), body.URL, body.Categories)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, api.AnalysisAccepted{ID: id, Status: string(domain.RunPending)})
}

func (s *Server) listAnalyses(w http.ResponseWriter, r *http.Request) {
	var params api.ListAnalysesParams
	q := r.URL.Query()
	for name, dest := range map[string]any{
		"domain": &params.Domain,
		"status": &params.Status,
		"limit":  &params.Limit,
		"offset": &params.Offset,
	} {
		if err := runtime.BindQueryParameter("form", true, false, name, q, dest); err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+name+": "+err.Error())
			return
		}
	}
	var f ports.RunFilter
	if params.Domain != nil {
		f.Domain = *params.Domain
	}
	if params.Status != nil {
		f.Status = domain.RunStatus(*params.Status)
		if !f.Status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status: "+*params.Status)
			return
		}
	}
	if params.Limit != nil {
		f.Limit = *params.Limit
	}
	if params.Offset != nil {
		f.Offset = *params.Offset
	}
	f = analyses.NormalizeFilter(f)
	runs, err := s.analyses.ListRuns(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.NewAnalysisList(runs, f.Limit, f.Offset))
}

func (s *Server) getAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := pathParam(w, r, "id")
	if !ok {
		return
	}
	view, err := s.analyses.GetStatus(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.NewAnalysisStatus(view))
}

func (s *Server) deleteAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := pathParam(w, r, "id")
	if !ok {
		return
	}
	if err := s.analyses.DeleteRun(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	id, ok := pathParam(w, r, "id")
	if !ok {
		return
	}
	res, err := s.analyses.GetResult(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.NewAnalysisResult(res))
}

func (s *Server) getDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := pathParam(w, r, "id")
	if !ok {
		return
	}
	det, err := s.analyses.GetDetailedResult(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.NewDetailedResult(det))
}

func (s *Server) getLatestProfile(w http.ResponseWriter, r *http.Request) {
	host, ok := pathParam(w, r, "domain")
	if !ok {
		return
	}
	run, err := s.profiles.GetLatest(r.Context(), host)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.NewAnalysis(run))
}

// fail maps service errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var unknown *domain.UnknownCategoryError
	switch {
	case errors.Is(err, ports.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ports.ErrNotReady), errors.Is(err, ports.ErrRunActive), errors.Is(err, ports.ErrNotPending):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ports.ErrInvalidTarget), errors.As(err, &unknown):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "analysis capacity exhausted")
	default:
		s.log.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func pathParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	var v string
	err := runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), &v,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name+": "+err.Error())
		return "", false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, api.Error{Error: msg})
}
