// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Media Stream мониторит:
//   - PostgreSQL — по одной зависимости на раздел (tracking и каждый storage-шард),
//     SQL checker через существующий pgxpool (connection pool mode, critical)
//   - шлюз мессенджера — HTTP checker (critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// PartitionTarget — раздел PostgreSQL для мониторинга.
type PartitionTarget struct {
	// Name — имя зависимости в метриках (postgresql-tracking, postgresql-shard-1 ...)
	Name string
	// DB — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool()
	DB *sql.DB
	// URL — DSN раздела (для лейблов, не для подключения)
	URL string
}

// DephealthConfig — параметры мониторинга зависимостей.
type DephealthConfig struct {
	ServiceID         string
	Group             string
	Partitions        []PartitionTarget
	GatewayURL        string
	GatewayHealthPath string
	CheckInterval     time.Duration
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
func NewDephealthService(cfg DephealthConfig, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(cfg, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(cfg DephealthConfig, logger *slog.Logger, registerer prometheus.Registerer) (*DephealthService, error) {
	return newDephealthService(cfg, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(cfg DephealthConfig, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	opts := make([]dephealth.Option, 0, len(cfg.Partitions)+2+len(extraOpts))
	opts = append(opts, dephealth.WithLogger(logger))

	for _, p := range cfg.Partitions {
		opts = append(opts, dephealth.AddDependency(p.Name, dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(p.DB)),
			dephealth.FromURL(p.URL),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(true),
		))
	}

	gwOpts := []dephealth.DependencyOption{
		dephealth.FromURL(cfg.GatewayURL),
		dephealth.WithHTTPHealthPath(cfg.GatewayHealthPath),
		dephealth.CheckInterval(cfg.CheckInterval),
		dephealth.Critical(true),
	}
	if parsed, err := url.Parse(cfg.GatewayURL); err == nil && parsed.Scheme == "https" {
		gwOpts = append(gwOpts, dephealth.WithHTTPTLSSkipVerify(false))
	}
	opts = append(opts, dephealth.HTTP("messenger-gateway", gwOpts...))
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(cfg.ServiceID, cfg.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен (PostgreSQL + шлюз мессенджера)")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
