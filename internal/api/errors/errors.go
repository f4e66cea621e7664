// Пакет errors — конструкторы стандартных ошибок Media Stream.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors //nolint:revive // конфликт имени со stdlib

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Коды ошибок.
const (
	CodeValidationError   = "VALIDATION_ERROR"
	CodeMalformedToken    = "MALFORMED_TOKEN"
	CodeNotFound          = "NOT_FOUND"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeIntegrityMismatch = "INTEGRITY_MISMATCH"
	CodeInvalidRange      = "INVALID_RANGE"
	CodeConflict          = "CONFLICT"
	CodeNoClient          = "NO_CLIENT_AVAILABLE"
	CodeRateLimited       = "RATE_LIMITED"
	CodeUpstreamError     = "UPSTREAM_ERROR"
	CodeStorageFull       = "STORAGE_FULL"
	CodeInternalError     = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// MalformedToken — 400 токен не декодируется.
func MalformedToken(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeMalformedToken, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// IntegrityMismatch — 403 хэш объекта не совпал с токеном.
func IntegrityMismatch(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeIntegrityMismatch, message)
}

// InvalidRange — 416 диапазон не удовлетворим. contentRange — значение
// Content-Range вида "bytes */size" (может быть пустым).
func InvalidRange(w http.ResponseWriter, contentRange, message string) {
	if contentRange != "" {
		w.Header().Set("Content-Range", contentRange)
	}
	WriteError(w, http.StatusRequestedRangeNotSatisfiable, CodeInvalidRange, message)
}

// Conflict — 409 конфликт уникальности.
func Conflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeConflict, message)
}

// NoClientAvailable — 503 нет ни одной сессии мессенджера.
func NoClientAvailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, CodeNoClient, message)
}

// RateLimited — 503 с Retry-After (секунды, округление вверх).
func RateLimited(w http.ResponseWriter, retryAfter time.Duration, message string) {
	secs := int64((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	WriteError(w, http.StatusServiceUnavailable, CodeRateLimited, message)
}

// UpstreamError — 502 мессенджер не смог выполнить запрос.
func UpstreamError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, CodeUpstreamError, message)
}

// StorageFull — 507 все шарды заполнены.
func StorageFull(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInsufficientStorage, CodeStorageFull, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
