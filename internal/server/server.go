// Пакет server — HTTP-сервер Media Stream с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/mediastream/internal/api/middleware"
	"github.com/bigkaa/mediastream/internal/config"
)

// Handler — обработчики всех маршрутов (handlers.APIHandler).
type Handler interface {
	HealthLive(w http.ResponseWriter, r *http.Request)
	HealthReady(w http.ResponseWriter, r *http.Request)
	GetMetrics(w http.ResponseWriter, r *http.Request)

	Download(w http.ResponseWriter, r *http.Request)

	ListMedia(w http.ResponseWriter, r *http.Request)
	GetMedia(w http.ResponseWriter, r *http.Request)
	UpdateMedia(w http.ResponseWriter, r *http.Request)
	DeleteMedia(w http.ResponseWriter, r *http.Request)
	DeleteMovieQuality(w http.ResponseWriter, r *http.Request)
	DeleteSeason(w http.ResponseWriter, r *http.Request)
	DeleteEpisode(w http.ResponseWriter, r *http.Request)
	DeleteEpisodeQuality(w http.ResponseWriter, r *http.Request)
	IngestMedia(w http.ResponseWriter, r *http.Request)

	GetWorkloads(w http.ResponseWriter, r *http.Request)
	GetShards(w http.ResponseWriter, r *http.Request)
}

// recordPath — адрес записи внутри /api/v1.
const recordPath = "/media/{media_type}/{shard}/{tmdb_id}"

// Server — HTTP-сервер Media Stream.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
// jwtAuth — JWT middleware admin API; nil — admin API не регистрируется.
func New(cfg *config.Config, logger *slog.Logger, handler Handler, jwtAuth *middleware.JWTAuth) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(logger, handler, jwtAuth),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// NewRouter строит таблицу маршрутов.
// /health, /metrics и /dl публичны; /api/v1 требует JWT.
func NewRouter(logger *slog.Logger, h Handler, jwtAuth *middleware.JWTAuth) chi.Router {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	router.Get("/health/live", h.HealthLive)
	router.Get("/health/ready", h.HealthReady)
	router.Get("/metrics", h.GetMetrics)

	// Capability-ссылка: токен сам по себе даёт доступ к объекту.
	router.Get("/dl/{token}/{name}", h.Download)
	router.Head("/dl/{token}/{name}", h.Download)

	if jwtAuth == nil {
		return router
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(jwtAuth.Middleware())

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRead())
			r.Get("/media", h.ListMedia)
			r.Get(recordPath, h.GetMedia)
			r.Get("/system/workloads", h.GetWorkloads)
			r.Get("/system/shards", h.GetShards)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireWrite())
			r.Post("/ingest", h.IngestMedia)
			r.Patch(recordPath, h.UpdateMedia)
			r.Delete(recordPath, h.DeleteMedia)
			r.Delete(recordPath+"/qualities/{quality}", h.DeleteMovieQuality)
			r.Delete(recordPath+"/seasons/{season}", h.DeleteSeason)
			r.Delete(recordPath+"/seasons/{season}/episodes/{episode}", h.DeleteEpisode)
			r.Delete(recordPath+"/seasons/{season}/episodes/{episode}/qualities/{quality}", h.DeleteEpisodeQuality)
		})
	})

	return router
}

// Run запускает сервер и ждёт отмены ctx (SIGINT, SIGTERM в main),
// затем выполняет graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Получен сигнал завершения", slog.String("cause", context.Cause(ctx).Error()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
