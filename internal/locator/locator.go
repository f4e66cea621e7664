// Пакет locator — обратимое преобразование координаты объекта
// (канал, сообщение) в короткий URL-безопасный токен и обратно.
//
// Формат токена: base62( zlib( CBOR{1: channel, 2: message, 3: hash?} ) ).
// Алфавит base62: цифры, строчные, прописные латинские буквы.
// Decode также принимает токены прежнего формата с JSON-полезной нагрузкой
// {"chat_id": ..., "msg_id": ...}.
package locator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zlib"

	"github.com/bigkaa/mediastream/internal/domain/model"
)

// ErrMalformedToken — токен не декодируется в координату.
var ErrMalformedToken = errors.New("некорректный location token")

// maxPayloadSize ограничивает размер распакованной полезной нагрузки.
const maxPayloadSize = 1024

const alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// payload — CBOR-представление координаты (целочисленные ключи для компактности).
type payload struct {
	ChannelID int64  `cbor:"1,keyasint"`
	MessageID int64  `cbor:"2,keyasint"`
	Hash      string `cbor:"3,keyasint,omitempty"`
}

// legacyPayload — JSON-полезная нагрузка токенов прежнего формата.
type legacyPayload struct {
	ChatID int64 `json:"chat_id"`
	MsgID  int64 `json:"msg_id"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("locator: инициализация CBOR-кодировщика: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("locator: инициализация CBOR-декодировщика: " + err.Error())
	}
}

// Encode кодирует координату в токен. Результат детерминирован
// при одинаковых настройках сжатия.
func Encode(c model.Coordinate) (string, error) {
	if !c.Valid() {
		return "", fmt.Errorf("кодирование координаты %d/%d: координата не задана", c.ChannelID, c.MessageID)
	}

	raw, err := encMode.Marshal(payload{ChannelID: c.ChannelID, MessageID: c.MessageID, Hash: c.Hash})
	if err != nil {
		return "", fmt.Errorf("сериализация координаты: %w", err)
	}

	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return "", fmt.Errorf("создание zlib writer: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("сжатие координаты: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("сжатие координаты: %w", err)
	}

	return new(big.Int).SetBytes(buf.Bytes()).Text(62), nil
}

// Decode восстанавливает координату из токена.
// Любая ошибка разбора оборачивает ErrMalformedToken.
func Decode(token string) (model.Coordinate, error) {
	if token == "" {
		return model.Coordinate{}, fmt.Errorf("%w: пустой токен", ErrMalformedToken)
	}
	for i := 0; i < len(token); i++ {
		if !isAlphabet(token[i]) {
			return model.Coordinate{}, fmt.Errorf("%w: недопустимый символ %q", ErrMalformedToken, token[i])
		}
	}

	n, ok := new(big.Int).SetString(token, 62)
	if !ok {
		return model.Coordinate{}, fmt.Errorf("%w: не base62", ErrMalformedToken)
	}

	zr, err := zlib.NewReader(bytes.NewReader(n.Bytes()))
	if err != nil {
		return model.Coordinate{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, maxPayloadSize+1))
	if err != nil {
		return model.Coordinate{}, fmt.Errorf("%w: распаковка: %v", ErrMalformedToken, err)
	}
	if len(raw) == 0 || len(raw) > maxPayloadSize {
		return model.Coordinate{}, fmt.Errorf("%w: недопустимый размер полезной нагрузки %d", ErrMalformedToken, len(raw))
	}

	c, err := parsePayload(raw)
	if err != nil {
		return model.Coordinate{}, err
	}
	if !c.Valid() {
		return model.Coordinate{}, fmt.Errorf("%w: пустая координата", ErrMalformedToken)
	}
	return c, nil
}

// parsePayload разбирает CBOR- или JSON-полезную нагрузку.
func parsePayload(raw []byte) (model.Coordinate, error) {
	if raw[0] == '{' {
		var lp legacyPayload
		if err := json.Unmarshal(raw, &lp); err != nil {
			return model.Coordinate{}, fmt.Errorf("%w: JSON: %v", ErrMalformedToken, err)
		}
		return model.Coordinate{ChannelID: lp.ChatID, MessageID: lp.MsgID}, nil
	}

	var p payload
	if err := decMode.Unmarshal(raw, &p); err != nil {
		return model.Coordinate{}, fmt.Errorf("%w: CBOR: %v", ErrMalformedToken, err)
	}
	return model.Coordinate{ChannelID: p.ChannelID, MessageID: p.MessageID, Hash: p.Hash}, nil
}

func isAlphabet(b byte) bool {
	return strings.IndexByte(alphabet, b) >= 0
}
