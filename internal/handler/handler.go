package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	mid "github.com/techize/batchivo-sub001/internal/middleware"
	"github.com/techize/batchivo-sub001/internal/service"
	"github.com/techize/batchivo-sub001/internal/utils"
	authpkg "github.com/techize/batchivo-sub001/pkg/auth"
	"github.com/techize/batchivo-sub001/pkg/backend"
)

// TokenIssuer exchanges credentials or a refresh token for tokens. The REST backend
// implements it.
type TokenIssuer interface {
	Login(ctx context.Context, email, password string) (*backend.TokenResponse, error)
	RefreshToken(ctx context.Context, refreshToken string) (*backend.TokenResponse, error)
}

// Options groups dependencies for route handlers.
type Options struct {
	Auth     authpkg.Authenticator
	Sessions *service.SessionStore
	History  service.RunHistory
	// Tokens is nil when no auth backend is configured; /auth/login and /auth/refresh then answer 501.
	Tokens          TokenIssuer
	Cookies         utils.CookiePolicy
	Logger          *zap.Logger
	HistoryCacheTTL time.Duration
	SubmitTimeout   time.Duration
	RequestTimeout  time.Duration
	Ready           func(ctx context.Context) error
}

// Handler groups dependencies for route handlers.
type Handler struct {
	auth           authpkg.Authenticator
	sessions       *service.SessionStore
	history        service.RunHistory
	tokens         TokenIssuer
	cookies        utils.CookiePolicy
	logger         *zap.Logger
	submitTimeout  time.Duration
	requestTimeout time.Duration
	ready          func(ctx context.Context) error
	now            func() time.Time

	runs  *service.QueryCache[[]service.ProductionRun]
	usage *service.QueryCache[[]service.UsageRecord]
	stock *service.QueryCache[float64]
}

// New builds a Handler from opts.
func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	submitTimeout := opts.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = 20 * time.Second
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Handler{
		auth:           opts.Auth,
		sessions:       opts.Sessions,
		history:        opts.History,
		tokens:         opts.Tokens,
		cookies:        opts.Cookies,
		logger:         logger,
		submitTimeout:  submitTimeout,
		requestTimeout: requestTimeout,
		ready:          opts.Ready,
		now:            time.Now,
		runs:           service.NewQueryCache[[]service.ProductionRun]("runs", opts.HistoryCacheTTL).WithLoadTimeout(requestTimeout),
		usage:          service.NewQueryCache[[]service.UsageRecord]("usage", opts.HistoryCacheTTL).WithLoadTimeout(requestTimeout),
		stock:          service.NewQueryCache[float64]("stock", opts.HistoryCacheTTL).WithLoadTimeout(requestTimeout),
	}
}

// NewRouter wires every route behind the shared middleware stack.
func NewRouter(opts Options) http.Handler {
	return New(opts).Router()
}

// Run drops expired history cache entries every interval until ctx is done.
func (h *Handler) Run(ctx context.Context, interval time.Duration) {
	var wg sync.WaitGroup
	for _, run := range []func(context.Context, time.Duration){h.runs.Run, h.usage.Run, h.stock.Run} {
		run := run
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx, interval)
		}()
	}
	wg.Wait()
}

// Router mounts every route behind the shared middleware stack.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mid.RequestLogger(h.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(h.requestTimeout))

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/login", h.login)
	r.Post("/auth/refresh", h.refresh)
	r.Post("/auth/logout", h.logout)

	r.Route("/api", func(r chi.Router) {
		r.Use(mid.RequireAuth(h.auth))

		r.Route("/wizard", func(r chi.Router) {
			r.Post("/", h.createWizard)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getWizard)
				r.Delete("/", h.deleteWizard)
				r.Post("/next", h.nextStep)
				r.Post("/back", h.prevStep)
				r.Put("/basic-info", h.setBasicInfo)
				r.Post("/items", h.addItem)
				r.Patch("/items/{itemID}", h.updateItem)
				r.Delete("/items/{itemID}", h.removeItem)
				r.Get("/suggestions", h.suggestions)
				r.Post("/suggestions/apply", h.applySuggestions)
				r.Post("/materials", h.addMaterial)
				r.Patch("/materials/{materialID}", h.updateMaterial)
				r.Delete("/materials/{materialID}", h.removeMaterial)
				r.Get("/review", h.review)
				r.Post("/submit", h.submit)
			})
		})

		r.Route("/analytics", func(r chi.Router) {
			r.Get("/variance", h.varianceStats)
			r.Get("/variance/products", h.varianceProducts)
			r.Get("/variance/trend", h.varianceTrend)
			r.Get("/runs.csv", h.runsCSV)
			r.Get("/variance.csv", h.varianceCSV)
		})

		r.Get("/materials/{materialID}/usage", h.materialUsage)

		r.Route("/admin", func(r chi.Router) {
			r.Use(mid.RequireRole("admin"))
			r.Post("/cache/invalidate", h.invalidateCache)
		})
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			status = http.StatusServiceUnavailable
			body = map[string]string{"status": "unavailable"}
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service errors to status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrItemNotSelected), errors.Is(err, service.ErrMaterialNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrSessionClosed):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, service.ErrSubmitInProgress), errors.Is(err, service.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrSubmitFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		h.logger.Error("unhandled service error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
