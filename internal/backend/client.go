// Пакет backend — HTTP-клиент шлюза мессенджера (Bot API-совместимый).
// Одна сессия = один токен бота. Сессия умеет: проверить авторизацию (getMe),
// получить свойства объекта по координате, скачать выровненный чанк,
// удалить сообщение и изменить подпись.
// Поддерживает TLS с кастомным CA (MS_GATEWAY_CA_CERT_PATH).
package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/mediastream/internal/domain/model"
)

// Ошибки клиента шлюза.
var (
	// ErrNotFound — сообщение или файл не найдены.
	ErrNotFound = errors.New("объект не найден в мессенджере")
	// ErrUnauthorized — токен сессии отклонён шлюзом.
	ErrUnauthorized = errors.New("токен сессии отклонён")
)

// RateLimitError — шлюз требует подождать RetryAfter перед повтором.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("превышен лимит запросов, повтор через %s", e.RetryAfter)
}

// APIError — прочая ошибка шлюза.
type APIError struct {
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("шлюз вернул %d: %s", e.StatusCode, e.Description)
}

// BotInfo — результат getMe.
type BotInfo struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// fileInfo — результат getFileInfo.
type fileInfo struct {
	FileUniqueID string `json:"file_unique_id"`
	FileSize     int64  `json:"file_size"`
	FileName     string `json:"file_name"`
	MimeType     string `json:"mime_type"`
	FileRef      string `json:"file_ref"`
}

// apiResponse — конверт ответа Bot API.
type apiResponse[T any] struct {
	OK          bool   `json:"ok"`
	Result      T      `json:"result"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

// envelope — конверт ответа, из которого читается признак ok.
type envelope interface {
	failure() error
}

// failure возвращает ошибку для конверта с ok=false, иначе nil.
// HTTP-статус при этом может быть 200.
func (r *apiResponse[T]) failure() error {
	if r.OK {
		return nil
	}
	switch r.ErrorCode {
	case http.StatusTooManyRequests:
		wait := 0
		if r.Parameters != nil {
			wait = r.Parameters.RetryAfter
		}
		return &RateLimitError{RetryAfter: time.Duration(max(wait, 1)) * time.Second}
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized:
		return ErrUnauthorized
	}
	if strings.Contains(strings.ToLower(r.Description), "not found") {
		return fmt.Errorf("%s: %w", r.Description, ErrNotFound)
	}
	desc := r.Description
	if desc == "" {
		desc = "ok=false без описания"
	}
	return &APIError{StatusCode: r.ErrorCode, Description: desc}
}

// Client — сессия шлюза мессенджера.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	name       string
	logger     *slog.Logger
}

// New создаёт клиент сессии.
// baseURL — базовый URL шлюза, token — токен бота, name — имя сессии для логов.
// httpClient — общий HTTP-клиент (NewHTTPClient), разделяется сессиями.
func New(baseURL, token, name string, httpClient *http.Client, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		name:       name,
		logger:     logger.With(slog.String("component", "backend_client"), slog.String("session", name)),
	}
}

// NewHTTPClient создаёт HTTP-клиент для шлюза.
// caCertPath — путь к CA-сертификату (пустая строка — стандартный пул).
// timeout — таймаут одного запроса (MS_GATEWAY_TIMEOUT).
func NewHTTPClient(caCertPath string, timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{
		// Несколько сессий и параллельные стримы к одному шлюзу
		MaxIdleConnsPerHost: 32,
	}

	if caCertPath != "" {
		tlsConfig, err := buildTLSConfig(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата шлюза: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}, nil
}

// Name возвращает имя сессии.
func (c *Client) Name() string {
	return c.name
}

// ChatID преобразует идентификатор канала в chat_id мессенджера (-100<channel>).
func ChatID(channelID int64) int64 {
	id, err := strconv.ParseInt("-100"+strconv.FormatInt(channelID, 10), 10, 64)
	if err != nil {
		return -channelID
	}
	return id
}

// Start проверяет авторизацию сессии (getMe).
func (c *Client) Start(ctx context.Context) (*BotInfo, error) {
	var resp apiResponse[BotInfo]
	if err := c.getJSON(ctx, "getMe", nil, &resp); err != nil {
		return nil, fmt.Errorf("запуск сессии %s: %w", c.name, err)
	}
	c.logger.Info("Сессия авторизована",
		slog.Int64("bot_id", resp.Result.ID),
		slog.String("username", resp.Result.Username),
	)
	return &resp.Result, nil
}

// ResolveDescriptor получает свойства объекта по координате.
func (c *Client) ResolveDescriptor(ctx context.Context, coord model.Coordinate) (*model.ObjectDescriptor, error) {
	params := url.Values{}
	params.Set("chat_id", strconv.FormatInt(ChatID(coord.ChannelID), 10))
	params.Set("message_id", strconv.FormatInt(coord.MessageID, 10))

	var resp apiResponse[fileInfo]
	if err := c.getJSON(ctx, "getFileInfo", params, &resp); err != nil {
		return nil, err
	}
	if resp.Result.FileRef == "" || resp.Result.FileSize <= 0 {
		return nil, fmt.Errorf("сообщение %d/%d: %w", coord.ChannelID, coord.MessageID, ErrNotFound)
	}

	return &model.ObjectDescriptor{
		UniqueHash: resp.Result.FileUniqueID,
		Size:       resp.Result.FileSize,
		Name:       resp.Result.FileName,
		Mime:       resp.Result.MimeType,
		FileRef:    resp.Result.FileRef,
	}, nil
}

// FetchChunk скачивает чанк файла [offset, offset+limit).
// Шлюз возвращает не более limit байт; последний чанк файла может быть короче.
func (c *Client) FetchChunk(ctx context.Context, fileRef string, offset, limit int64) ([]byte, error) {
	params := url.Values{}
	params.Set("file_ref", fileRef)
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("limit", strconv.FormatInt(limit, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.methodURL("getChunk")+"?"+params.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса getChunk: %w", err)
	}

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: URL из конфигурации шлюза
	if err != nil {
		return nil, fmt.Errorf("запрос getChunk: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, checkResponse(resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("чтение чанка offset=%d: %w", offset, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("шлюз вернул чанк больше запрошенного (%d > %d)", len(data), limit)
	}
	return data, nil
}

// DeleteMessage удаляет сообщение (без повторов, см. Messenger).
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID int64) error {
	body := map[string]int64{
		"chat_id":    ChatID(channelID),
		"message_id": messageID,
	}
	var resp apiResponse[bool]
	return c.postJSON(ctx, "deleteMessage", body, &resp)
}

// EditCaption заменяет подпись сообщения (без повторов, см. Messenger).
func (c *Client) EditCaption(ctx context.Context, channelID, messageID int64, caption string) error {
	body := map[string]any{
		"chat_id":    ChatID(channelID),
		"message_id": messageID,
		"caption":    caption,
	}
	var resp apiResponse[json.RawMessage]
	return c.postJSON(ctx, "editMessageCaption", body, &resp)
}

// --- HTTP helpers ---

func (c *Client) methodURL(method string) string {
	return c.baseURL + "/bot" + c.token + "/" + method
}

func (c *Client) getJSON(ctx context.Context, method string, params url.Values, out envelope) error {
	reqURL := c.methodURL(method)
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("создание запроса %s: %w", method, err)
	}
	return c.do(req, method, out)
}

func (c *Client) postJSON(ctx context.Context, method string, body any, out envelope) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("сериализация запроса %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("создание запроса %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method, out)
}

func (c *Client) do(req *http.Request, method string, out envelope) error {
	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: URL из конфигурации шлюза
	if err != nil {
		return fmt.Errorf("запрос %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return checkResponse(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("декодирование ответа %s: %w", method, err)
	}
	if err := out.failure(); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// checkResponse преобразует неуспешный ответ шлюза в ошибку.
// 429 → *RateLimitError, 404 → ErrNotFound, 401 → ErrUnauthorized.
func checkResponse(resp *http.Response) error {
	var env apiResponse[json.RawMessage]
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &env)

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		wait := 0
		if env.Parameters != nil {
			wait = env.Parameters.RetryAfter
		}
		if wait <= 0 {
			wait, _ = strconv.Atoi(resp.Header.Get("Retry-After"))
		}
		if wait <= 0 {
			wait = 1
		}
		return &RateLimitError{RetryAfter: time.Duration(wait) * time.Second}
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized:
		return ErrUnauthorized
	}

	desc := env.Description
	if desc == "" {
		desc = strings.TrimSpace(string(raw))
	}
	if resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(desc), "not found") {
		return fmt.Errorf("%s: %w", desc, ErrNotFound)
	}
	return &APIError{StatusCode: resp.StatusCode, Description: desc}
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA-сертификатом.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &tls.Config{
		RootCAs: caCertPool,
	}, nil
}
