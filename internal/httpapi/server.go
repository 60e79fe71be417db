package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bumpcast/internal/campaign"
	"bumpcast/internal/storage"
	logx "bumpcast/pkg/logx"
)

// Engine is the part of the campaign engine the control API drives.
type Engine interface {
	Start(ctx context.Context, id int64) (string, error)
	Stop(id int64) error
	RemoveAccount(id, accountID int64) error
	Progress(id int64) campaign.Progress
	Running() []int64
}

// Reports serves persisted counters and the delivery log.
type Reports interface {
	Stats(ctx context.Context, id int64) (storage.CampaignStats, error)
	RecentLogs(ctx context.Context, campaignID int64, limit int) ([]campaign.DeliveryLog, error)
	Ping(ctx context.Context) error
}

type Config struct {
	Addr  string
	Token string
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	cfg     Config
	engine  Engine
	reports Reports
	metrics http.Handler
	log     logx.Logger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// New builds the control API. reports and metrics may be nil.
func New(cfg Config, engine Engine, reports Reports, metrics http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	return &Server{cfg: cfg, engine: engine, reports: reports, metrics: metrics, log: log.Component("httpapi")}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.healthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(bearer(s.cfg.Token))
		if s.cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/running", s.running)
			r.Route("/{id}", func(r chi.Router) {
				r.Post("/start", s.start)
				r.Post("/stop", s.stop)
				r.Post("/accounts/{account_id}/remove", s.removeAccount)
				r.Get("/progress", s.progress)
				r.Get("/stats", s.stats)
				r.Get("/logs", s.logs)
			})
		})
	})
	return r
}

// Run listens and serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("control api listening", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""), logx.Bool("pprof", s.cfg.Pprof))
	err = srv.Serve(ln)

	s.mu.Lock()
	s.srv, s.ln = nil, nil
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("control api exited unexpectedly")
	}
	return err
}

// Addr is the bound address while serving, empty otherwise.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.reports != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.reports.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "running": len(s.engine.Running())})
}

func (s *Server) running(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"campaigns": s.engine.Running()})
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	runID, err := s.engine.Start(context.WithoutCancel(r.Context()), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"campaign_id": id, "run_id": runID})
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if err := s.engine.Stop(id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"campaign_id": id, "status": campaign.RunStopping})
}

func (s *Server) removeAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	accountID, ok := idParam(w, r, "account_id")
	if !ok {
		return
	}
	if err := s.engine.RemoveAccount(id, accountID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"campaign_id": id, "account_id": accountID})
}

func (s *Server) progress(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Progress(id))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if s.reports == nil {
		writeError(w, http.StatusNotImplemented, "reports unavailable")
		return
	}
	st, err := s.reports.Stats(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaign_id": id, "total_sent": st.Sent, "total_failed": st.Failed})
}

func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if s.reports == nil {
		writeError(w, http.StatusNotImplemented, "reports unavailable")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.reports.RecentLogs(r.Context(), id, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	type logRow struct {
		AccountID int64  `json:"account_id"`
		Target    string `json:"target"`
		Status    string `json:"status"`
		Error     string `json:"error,omitempty"`
		At        int64  `json:"at"`
	}
	out := make([]logRow, 0, len(rows))
	for _, l := range rows {
		out = append(out, logRow{AccountID: l.AccountID, Target: l.Target, Status: string(l.Status), Error: l.Error, At: l.At.Unix()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaign_id": id, "logs": out})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("control api request failed",
			logx.String("path", r.URL.Path), logx.String("request_id", middleware.GetReqID(r.Context())), logx.Err(err))
	}
	writeError(w, code, err.Error())
}

// statusFor maps engine and store errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, campaign.ErrAlreadyRunning),
		errors.Is(err, campaign.ErrNotRunning),
		errors.Is(err, campaign.ErrAccountNotInRun):
		return http.StatusConflict
	case errors.Is(err, campaign.ErrNoAccounts),
		errors.Is(err, campaign.ErrNoActiveAccounts):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// bearer accepts "Authorization: Bearer <token>" or ?token=. An empty token disables auth.
func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
