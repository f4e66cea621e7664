// Пакет config — загрузка и валидация конфигурации Media Stream
// из переменных окружения с префиксом MS_.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// chunkAlignment — размер фрагмента кратен этому значению.
const chunkAlignment = 4096

// multiTokenPrefix — префикс переменных дополнительных сессий.
const multiTokenPrefix = "MS_MULTI_TOKEN"

// Config содержит все параметры конфигурации Media Stream.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- HTTP Server Timeouts ---

	HTTPReadTimeout time.Duration
	// Таймаут записи; 0 — без ограничения (длинные потоки)
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// --- PostgreSQL ---

	// DSN трекинг-партиции (указатель активного шарда)
	TrackingDatabaseURL string
	// DSN storage-партиций 1..N
	StorageDatabaseURLs []string
	// Ёмкость одной storage-партиции в байтах (0 — без ограничения)
	ShardCapacityBytes int64

	// --- Мессенджер ---

	GatewayURL        string
	GatewayCACertPath string
	GatewayTimeout    time.Duration
	// Путь health-проверки шлюза для topologymetrics
	GatewayHealthPath string
	// Учётные данные основной сессии
	BotToken string
	// Учётные данные дополнительных сессий в порядке суффикса
	MultiTokens []string
	// Суффикс подписи сообщений после ингеста (пусто — подпись не меняется)
	CaptionSuffix string
	// Пауза между фоновыми операциями с сообщениями
	MessengerTaskInterval time.Duration

	// --- Стриминг ---

	ChunkSize           int64
	DescriptorCacheSize int
	DescriptorCacheTTL  time.Duration

	// --- JWT ---

	// JWKS URL провайдера; пусто — admin API отключён
	JWTJWKSURL          string
	JWTIssuer           string
	JWTLeeway           time.Duration
	JWKSCACertPath      string
	JWKSRefreshInterval time.Duration
	JWKSClientTimeout   time.Duration
	RoleAdminGroups     []string
	RoleReadonlyGroups  []string

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// MS_PORT — порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = getEnvInt("MS_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("MS_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("MS_PORT: порт %d вне диапазона 1-65535", cfg.Port)
	}

	// MS_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("MS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("MS_LOG_LEVEL: %w", err)
	}

	// MS_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("MS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("MS_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- HTTP Server Timeouts ---

	if cfg.HTTPReadTimeout, err = getEnvDuration("MS_HTTP_READ_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("MS_HTTP_READ_TIMEOUT: %w", err)
	}
	// MS_HTTP_WRITE_TIMEOUT — по умолчанию 0: поток может идти часами
	if cfg.HTTPWriteTimeout, err = getEnvDuration("MS_HTTP_WRITE_TIMEOUT", 0); err != nil {
		return nil, fmt.Errorf("MS_HTTP_WRITE_TIMEOUT: %w", err)
	}
	if cfg.HTTPIdleTimeout, err = getEnvDuration("MS_HTTP_IDLE_TIMEOUT", 120*time.Second); err != nil {
		return nil, fmt.Errorf("MS_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// --- PostgreSQL ---

	// MS_DATABASE_URLS — первый DSN трекинг-партиция, остальные storage 1..N
	rawURLs, err := getEnvRequired("MS_DATABASE_URLS")
	if err != nil {
		return nil, err
	}
	dsns := parseCSV(rawURLs)
	if len(dsns) < 2 {
		return nil, fmt.Errorf("MS_DATABASE_URLS: нужны трекинг-партиция и хотя бы одна storage-партиция, задано %d", len(dsns))
	}
	for i, dsn := range dsns {
		if err := validateURL(dsn, "postgres", "postgresql"); err != nil {
			return nil, fmt.Errorf("MS_DATABASE_URLS[%d]: %w", i, err)
		}
	}
	cfg.TrackingDatabaseURL = dsns[0]
	cfg.StorageDatabaseURLs = dsns[1:]

	// MS_SHARD_CAPACITY_BYTES — ёмкость партиции (по умолчанию 512 MiB)
	cfg.ShardCapacityBytes, err = getEnvInt64("MS_SHARD_CAPACITY_BYTES", 512<<20)
	if err != nil {
		return nil, fmt.Errorf("MS_SHARD_CAPACITY_BYTES: %w", err)
	}
	if cfg.ShardCapacityBytes < 0 {
		return nil, fmt.Errorf("MS_SHARD_CAPACITY_BYTES: значение не может быть отрицательным")
	}

	// --- Мессенджер ---

	if cfg.GatewayURL, err = getEnvRequired("MS_GATEWAY_URL"); err != nil {
		return nil, err
	}
	if err := validateURL(cfg.GatewayURL, "http", "https"); err != nil {
		return nil, fmt.Errorf("MS_GATEWAY_URL: %w", err)
	}
	cfg.GatewayCACertPath = os.Getenv("MS_GATEWAY_CA_CERT_PATH")
	if cfg.GatewayTimeout, err = getEnvPositiveDuration("MS_GATEWAY_TIMEOUT", 60*time.Second); err != nil {
		return nil, fmt.Errorf("MS_GATEWAY_TIMEOUT: %w", err)
	}
	cfg.GatewayHealthPath = getEnvDefault("MS_GATEWAY_HEALTH_PATH", "/health")
	if !strings.HasPrefix(cfg.GatewayHealthPath, "/") {
		return nil, fmt.Errorf("MS_GATEWAY_HEALTH_PATH: путь должен начинаться с /")
	}

	if cfg.BotToken, err = getEnvRequired("MS_BOT_TOKEN"); err != nil {
		return nil, err
	}
	if cfg.MultiTokens, err = multiTokens(os.Environ()); err != nil {
		return nil, err
	}

	cfg.CaptionSuffix = os.Getenv("MS_CAPTION_SUFFIX")
	if cfg.MessengerTaskInterval, err = getEnvDuration("MS_MESSENGER_TASK_INTERVAL", 2*time.Second); err != nil {
		return nil, fmt.Errorf("MS_MESSENGER_TASK_INTERVAL: %w", err)
	}

	// --- Стриминг ---

	// MS_CHUNK_SIZE — размер фрагмента (по умолчанию 1 MiB, кратен 4096)
	cfg.ChunkSize, err = getEnvInt64("MS_CHUNK_SIZE", 1<<20)
	if err != nil {
		return nil, fmt.Errorf("MS_CHUNK_SIZE: %w", err)
	}
	if cfg.ChunkSize <= 0 || cfg.ChunkSize%chunkAlignment != 0 {
		return nil, fmt.Errorf("MS_CHUNK_SIZE: %d должно быть положительным и кратным %d", cfg.ChunkSize, chunkAlignment)
	}
	if cfg.DescriptorCacheSize, err = getEnvInt("MS_DESCRIPTOR_CACHE_SIZE", 10000); err != nil {
		return nil, fmt.Errorf("MS_DESCRIPTOR_CACHE_SIZE: %w", err)
	}
	if cfg.DescriptorCacheSize < 1 {
		return nil, fmt.Errorf("MS_DESCRIPTOR_CACHE_SIZE: значение должно быть > 0")
	}
	if cfg.DescriptorCacheTTL, err = getEnvPositiveDuration("MS_DESCRIPTOR_CACHE_TTL", 30*time.Minute); err != nil {
		return nil, fmt.Errorf("MS_DESCRIPTOR_CACHE_TTL: %w", err)
	}

	// --- JWT ---

	cfg.JWTJWKSURL = os.Getenv("MS_JWT_JWKS_URL")
	if cfg.JWTJWKSURL != "" {
		if err := validateURL(cfg.JWTJWKSURL, "http", "https"); err != nil {
			return nil, fmt.Errorf("MS_JWT_JWKS_URL: %w", err)
		}
	}
	cfg.JWTIssuer = os.Getenv("MS_JWT_ISSUER")
	if cfg.JWTLeeway, err = getEnvDuration("MS_JWT_LEEWAY", 5*time.Second); err != nil {
		return nil, fmt.Errorf("MS_JWT_LEEWAY: %w", err)
	}
	cfg.JWKSCACertPath = os.Getenv("MS_JWKS_CA_CERT_PATH")
	if cfg.JWKSRefreshInterval, err = getEnvPositiveDuration("MS_JWKS_REFRESH_INTERVAL", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("MS_JWKS_REFRESH_INTERVAL: %w", err)
	}
	if cfg.JWKSClientTimeout, err = getEnvPositiveDuration("MS_JWKS_CLIENT_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("MS_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	cfg.RoleAdminGroups = parseCSV(getEnvDefault("MS_ROLE_ADMIN_GROUPS", "media-admins"))
	cfg.RoleReadonlyGroups = parseCSV(getEnvDefault("MS_ROLE_READONLY_GROUPS", "media-viewers"))

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("MS_DEPHEALTH_GROUP", "media-stream")
	if cfg.DephealthCheckInterval, err = getEnvPositiveDuration("MS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("MS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	if cfg.ShutdownTimeout, err = getEnvPositiveDuration("MS_SHUTDOWN_TIMEOUT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("MS_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// AdminAPIEnabled — задан ли JWKS URL для admin API.
func (c *Config) AdminAPIEnabled() bool {
	return c.JWTJWKSURL != ""
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// multiTokens собирает MS_MULTI_TOKEN<N> из окружения, упорядочивая по N.
func multiTokens(environ []string) ([]string, error) {
	type indexed struct {
		n     int
		token string
	}
	var found []indexed
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, multiTokenPrefix) || val == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(key, multiTokenPrefix))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%s: ожидается суффикс-номер от 1", key)
		}
		found = append(found, indexed{n: n, token: val})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })

	tokens := make([]string, 0, len(found))
	for _, f := range found {
		tokens = append(tokens, f.token)
	}
	return tokens, nil
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 — getEnvInt для размеров в байтах.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	if d < 0 {
		return 0, fmt.Errorf("значение не может быть отрицательным")
	}
	return d, nil
}

// getEnvPositiveDuration — getEnvDuration с проверкой > 0.
func getEnvPositiveDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	d, err := getEnvDuration(key, defaultVal)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return 0, fmt.Errorf("значение должно быть > 0")
	}
	return d, nil
}

// validateURL проверяет схему и хост URL.
func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("некорректный URL: %w", err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("ожидается URL со схемой %s", strings.Join(schemes, " или "))
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
