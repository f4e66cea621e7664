// Точка входа Media Stream — сервис потоковой отдачи медиа-объектов,
// хранящихся в мессенджере, с шардированным каталогом в PostgreSQL.
// Загружает конфигурацию, применяет миграции, подключается к разделам,
// открывает сессии мессенджера, собирает сервисный слой, запускает
// фоновые обработчики (ингест, операции с сообщениями, topologymetrics)
// и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/mediastream/internal/api/handlers"
	"github.com/bigkaa/mediastream/internal/api/middleware"
	"github.com/bigkaa/mediastream/internal/backend"
	"github.com/bigkaa/mediastream/internal/clientpool"
	"github.com/bigkaa/mediastream/internal/config"
	"github.com/bigkaa/mediastream/internal/database"
	"github.com/bigkaa/mediastream/internal/ingest"
	"github.com/bigkaa/mediastream/internal/repository"
	"github.com/bigkaa/mediastream/internal/server"
	"github.com/bigkaa/mediastream/internal/service"
	"github.com/bigkaa/mediastream/internal/shardstore"
	"github.com/bigkaa/mediastream/internal/streamer"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Media Stream запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.Int("storage_shards", len(cfg.StorageDatabaseURLs)),
	)

	if os.Getenv("MS_DEPHEALTH_GROUP") == "" {
		logger.Warn("MS_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Миграции и подключение к разделам PostgreSQL
	trackingPool, err := openPartition(ctx, "tracking", cfg.TrackingDatabaseURL, database.SchemaTracking, logger)
	if err != nil {
		logger.Error("Ошибка подготовки трекинг-раздела", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer trackingPool.Close()

	readiness := database.NewReadinessChecker()
	readiness.Add("tracking", trackingPool)

	storagePools := make([]*pgxpool.Pool, 0, len(cfg.StorageDatabaseURLs))
	for i, dsn := range cfg.StorageDatabaseURLs {
		name := fmt.Sprintf("shard-%d", i+1)
		pool, err := openPartition(ctx, name, dsn, database.SchemaStorage, logger)
		if err != nil {
			logger.Error("Ошибка подготовки storage-раздела",
				slog.String("shard", name),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		defer pool.Close()
		storagePools = append(storagePools, pool)
		readiness.Add(name, pool)
	}

	// 4. Сессии мессенджера: основная и дополнительные
	httpClient, err := backend.NewHTTPClient(cfg.GatewayCACertPath, cfg.GatewayTimeout)
	if err != nil {
		logger.Error("Ошибка создания HTTP-клиента шлюза", slog.String("error", err.Error()))
		os.Exit(1)
	}

	primary := backend.New(cfg.GatewayURL, cfg.BotToken, "primary", httpClient, logger)
	if _, err := primary.Start(ctx); err != nil {
		logger.Error("Ошибка запуска основной сессии", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sessions := clientpool.New[streamer.Source]()
	sessions.Register(primary.Name(), primary)
	for _, c := range startAuxiliarySessions(ctx, cfg, httpClient, logger) {
		sessions.Register(c.Name(), c)
	}
	logger.Info("Сессии мессенджера готовы", slog.Any("clients", sessions.Names()))

	// 5. Фоновые операции с сообщениями (удаление вытесненных, подписи)
	messenger := backend.NewMessenger(primary, logger)
	tasks := ingest.NewTasks(messenger, cfg.MessengerTaskInterval, logger)

	// 6. Шардированное хранилище
	partitions := make([]shardstore.Partition, 0, len(storagePools))
	for i, pool := range storagePools {
		partitions = append(partitions, repository.NewPartitionRepository(pool, i+1, cfg.ShardCapacityBytes))
	}
	store, err := shardstore.New(ctx, partitions, repository.NewTrackerRepository(trackingPool), tasks.DeleteMessage, logger)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 7. Обработчик ингеста
	worker := ingest.NewWorker(store, tasks, cfg.CaptionSuffix, logger)

	// 8. Стример
	st := streamer.New(sessions, streamer.Config{
		ChunkSize: cfg.ChunkSize,
		CacheSize: cfg.DescriptorCacheSize,
		CacheTTL:  cfg.DescriptorCacheTTL,
	}, logger)

	// 9. Сервисы и handlers
	downloadSvc := service.NewDownloadService(st, logger)
	mediaSvc := service.NewMediaService(store, worker, sessions)

	// 10. topologymetrics — PostgreSQL-разделы и шлюз мессенджера
	dephealthSvc, dbs := startDephealth(ctx, cfg, trackingPool, storagePools, logger)
	for _, db := range dbs {
		defer db.Close()
	}
	var deps handlers.DependencyReporter
	if dephealthSvc != nil {
		deps = dephealthSvc
	}

	apiHandler := handlers.NewAPIHandler(
		handlers.NewHealthHandler(readiness, sessions, deps),
		handlers.NewDownloadHandler(downloadSvc, logger),
		handlers.NewMediaHandler(mediaSvc, logger),
		handlers.NewSystemHandler(mediaSvc, logger),
	)

	// 11. JWT middleware admin API
	var jwtAuth *middleware.JWTAuth
	if cfg.AdminAPIEnabled() {
		jwtAuth, err = middleware.NewJWTAuth(middleware.AuthConfig{
			JWKSURL:         cfg.JWTJWKSURL,
			CACertPath:      cfg.JWKSCACertPath,
			Issuer:          cfg.JWTIssuer,
			AdminGroups:     cfg.RoleAdminGroups,
			ReadonlyGroups:  cfg.RoleReadonlyGroups,
			ClientTimeout:   cfg.JWKSClientTimeout,
			RefreshInterval: cfg.JWKSRefreshInterval,
			Leeway:          cfg.JWTLeeway,
		}, logger)
		if err != nil {
			logger.Error("Ошибка инициализации JWT", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("JWT middleware инициализирован", slog.String("jwks_url", cfg.JWTJWKSURL))
	} else {
		logger.Warn("MS_JWT_JWKS_URL не задан, admin API /api/v1 отключён")
	}

	// 12. Фоновые обработчики
	var bg sync.WaitGroup
	bg.Add(2)
	go func() {
		defer bg.Done()
		worker.Run(ctx)
	}()
	go func() {
		defer bg.Done()
		tasks.Run(ctx)
	}()

	// 13. HTTP-сервер до сигнала завершения
	srv := server.New(cfg, logger, apiHandler, jwtAuth)
	runErr := srv.Run(ctx)

	// 14. Остановка фоновых задач
	logger.Info("Останавливаем фоновые задачи...")
	stop()
	bg.Wait()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
	logger.Info("Media Stream остановлен")
}

// openPartition применяет миграции schema и открывает пул раздела.
func openPartition(ctx context.Context, name, dsn string, schema database.Schema, logger *slog.Logger) (*pgxpool.Pool, error) {
	logger.Info("Применение миграций БД...", slog.String("shard", name), slog.String("dsn", database.Redact(dsn)))
	if err := database.Migrate(dsn, schema, logger); err != nil {
		return nil, err
	}
	return database.Connect(ctx, name, dsn, logger)
}

// startAuxiliarySessions запускает дополнительные сессии параллельно.
// Сессия, которая не смогла стартовать, пропускается; порядок суффиксов сохраняется.
func startAuxiliarySessions(ctx context.Context, cfg *config.Config, httpClient *http.Client, logger *slog.Logger) []*backend.Client {
	started := make([]*backend.Client, len(cfg.MultiTokens))

	g, gctx := errgroup.WithContext(ctx)
	for i, token := range cfg.MultiTokens {
		g.Go(func() error {
			c := backend.New(cfg.GatewayURL, token, fmt.Sprintf("multi-%d", i+1), httpClient, logger)
			if _, err := c.Start(gctx); err != nil {
				logger.Warn("Дополнительная сессия не запущена",
					slog.String("client", c.Name()),
					slog.String("error", err.Error()),
				)
				return nil
			}
			started[i] = c
			return nil
		})
	}
	_ = g.Wait()

	clients := make([]*backend.Client, 0, len(started))
	for _, c := range started {
		if c != nil {
			clients = append(clients, c)
		}
	}
	return clients
}

// startDephealth запускает мониторинг зависимостей. Ошибка не фатальна:
// сервис работает без topologymetrics. Возвращает *sql.DB-адаптеры пулов
// для закрытия при остановке.
func startDephealth(ctx context.Context, cfg *config.Config, tracking *pgxpool.Pool, storage []*pgxpool.Pool, logger *slog.Logger) (*service.DephealthService, []*sql.DB) {
	// Адаптер pgxpool → *sql.DB: проверка идёт через существующий пул.
	trackingDB := stdlib.OpenDBFromPool(tracking)
	dbs := []*sql.DB{trackingDB}
	targets := []service.PartitionTarget{{Name: "postgresql-tracking", DB: trackingDB, URL: cfg.TrackingDatabaseURL}}
	for i, pool := range storage {
		db := stdlib.OpenDBFromPool(pool)
		dbs = append(dbs, db)
		targets = append(targets, service.PartitionTarget{
			Name: fmt.Sprintf("postgresql-shard-%d", i+1),
			DB:   db,
			URL:  cfg.StorageDatabaseURLs[i],
		})
	}

	dephealthSvc, err := service.NewDephealthService(service.DephealthConfig{
		ServiceID:         "media-stream",
		Group:             cfg.DephealthGroup,
		Partitions:        targets,
		GatewayURL:        cfg.GatewayURL,
		GatewayHealthPath: cfg.GatewayHealthPath,
		CheckInterval:     cfg.DephealthCheckInterval,
	}, logger)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		return nil, dbs
	}
	if err := dephealthSvc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		return nil, dbs
	}
	logger.Info("topologymetrics запущен",
		slog.String("group", cfg.DephealthGroup),
		slog.String("check_interval", cfg.DephealthCheckInterval.String()),
	)
	return dephealthSvc, dbs
}
