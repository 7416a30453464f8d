package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"media-fetch-service/internal/config"
	"media-fetch-service/internal/domain/ports/adapter"
	"media-fetch-service/internal/infra/api"
	redisstore "media-fetch-service/internal/infra/redis"
	"media-fetch-service/internal/usecase"
)

type Options struct {
	RequestTimeout time.Duration
	RateLimit      config.RateLimitConfig
	// StreamPoll is how often a websocket stream re-reads the job; StreamMinGap throttles pushes.
	StreamPoll   time.Duration
	StreamMinGap time.Duration
}

// Server exposes the video API over HTTP.
type Server struct {
	download usecase.DownloadUseCase
	status   usecase.StatusUseCase
	info     usecase.InfoUseCase
	limiter  adapter.RateLimiter
	ping     func(ctx context.Context) error
	opts     Options
	validate *validator.Validate
	started  time.Time
	log      *zerolog.Logger
}

func NewServer(
	download usecase.DownloadUseCase,
	status usecase.StatusUseCase,
	info usecase.InfoUseCase,
	limiter adapter.RateLimiter,
	ping func(ctx context.Context) error,
	opts Options,
	logger *zerolog.Logger,
) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 90 * time.Second
	}
	if opts.StreamPoll <= 0 {
		opts.StreamPoll = 500 * time.Millisecond
	}
	if opts.StreamMinGap <= 0 {
		opts.StreamMinGap = 250 * time.Millisecond
	}
	return &Server{
		download: download,
		status:   status,
		info:     info,
		limiter:  limiter,
		ping:     ping,
		opts:     opts,
		validate: newValidator(),
		started:  time.Now(),
		log:      logger,
	}
}

// Routes builds the full HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RealIP,
		api.TraceID(s.log),
		api.RequestLog(s.log),
		api.Recover(s.log),
		api.SecureHeaders(),
		api.CORS(),
	)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		api.WriteErrorCode(w, http.StatusNotFound, api.CodeNotFound, "Not Found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		api.WriteErrorCode(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method Not Allowed")
	})

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	rl := s.opts.RateLimit
	r.Route("/api", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(api.RateLimit(s.limiter, api.Limit{
				Name:    "api",
				Max:     rl.APILimit,
				Window:  rl.APIWindow,
				Message: "Too many requests from this IP, please try again after " + humanWindow(rl.APIWindow),
			}, redisstore.ClientKey, s.log))
		}

		r.Route("/video", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(api.Timeout(s.opts.RequestTimeout))
				r.Post("/info", s.handleInfo)
				r.Get("/status/{jobId}", s.handleStatus)

				dl := r.With()
				if s.limiter != nil {
					dl = r.With(api.RateLimit(s.limiter, api.Limit{
						Name:    "download",
						Max:     rl.DownloadLimit,
						Window:  rl.DownloadWindow,
						Message: "Download limit exceeded. Please try again later.",
					}, redisstore.ClientKey, s.log))
				}
				dl.Post("/download", s.handleDownload)
			})

			// Long-lived: no request timeout.
			r.Get("/status/{jobId}/stream", s.handleStream)
			r.Get("/file/{jobId}", s.handleFile)
		})
	})
	return r
}

// NewHTTPServer wraps the handler with the configured server timeouts.
func NewHTTPServer(addr string, h http.Handler, cfg config.ServerConfig) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		IdleTimeout:       2 * time.Minute,
	}
}

func humanWindow(d time.Duration) string {
	if d > 0 && d%time.Minute == 0 {
		return strconv.Itoa(int(d/time.Minute)) + " minutes"
	}
	return d.String()
}
