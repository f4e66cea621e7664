package locator

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/klauspost/compress/zlib"

	"github.com/bigkaa/mediastream/internal/domain/model"
)

// TestEncodeDecode_RoundTrip — decode(encode(c)) == c для набора координат.
func TestEncodeDecode_RoundTrip(t *testing.T) {
	coords := []model.Coordinate{
		{ChannelID: 1, MessageID: 1},
		{ChannelID: 1234567890, MessageID: 42},
		{ChannelID: 2147483647, MessageID: 999999},
		{ChannelID: 1987654321, MessageID: 7, Hash: "AgADbQ"},
		{ChannelID: 9007199254740991, MessageID: 9007199254740991, Hash: "x"},
	}

	for _, c := range coords {
		token, err := Encode(c)
		if err != nil {
			t.Fatalf("Encode(%+v): %v", c, err)
		}
		for i := 0; i < len(token); i++ {
			if !isAlphabet(token[i]) {
				t.Fatalf("токен %q содержит символ вне base62: %q", token, token[i])
			}
		}

		got, err := Decode(token)
		if err != nil {
			t.Fatalf("Decode(%q): %v", token, err)
		}
		if got != c {
			t.Errorf("Decode(Encode(%+v)) = %+v", c, got)
		}
	}
}

// TestEncode_Deterministic — одинаковая координата даёт одинаковый токен.
func TestEncode_Deterministic(t *testing.T) {
	c := model.Coordinate{ChannelID: 100500, MessageID: 77, Hash: "AbCdEf"}
	a, err := Encode(c)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := Encode(c)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if a != b {
		t.Errorf("токены различаются: %q != %q", a, b)
	}
}

func TestEncode_InvalidCoordinate(t *testing.T) {
	if _, err := Encode(model.Coordinate{ChannelID: 5}); err == nil {
		t.Error("ожидалась ошибка для координаты без message_id")
	}
}

// TestDecode_LegacyJSON — токены прежнего формата (zlib(JSON)) декодируются.
func TestDecode_LegacyJSON(t *testing.T) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		t.Fatalf("zlib: %v", err)
	}
	_, _ = zw.Write([]byte(`{"chat_id": 1712345678, "msg_id": 321}`))
	_ = zw.Close()
	token := new(big.Int).SetBytes(buf.Bytes()).Text(62)

	got, err := Decode(token)
	if err != nil {
		t.Fatalf("Decode(legacy): %v", err)
	}
	want := model.Coordinate{ChannelID: 1712345678, MessageID: 321}
	if got != want {
		t.Errorf("Decode(legacy) = %+v, ожидалось %+v", got, want)
	}
}

func TestDecode_Malformed(t *testing.T) {
	valid, err := Encode(model.Coordinate{ChannelID: 123456, MessageID: 789})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Обрезаем контрольную сумму zlib, сохраняя корректный base62.
	n, _ := new(big.Int).SetString(valid, 62)
	raw := n.Bytes()
	truncated := new(big.Int).SetBytes(raw[:len(raw)-2]).Text(62)

	tests := []struct {
		name  string
		token string
	}{
		{"пустой", ""},
		{"недопустимый символ", "abc-def"},
		{"знак плюс", "+" + valid},
		{"пробел", valid[:5] + " " + valid[5:]},
		{"ноль", "0"},
		{"не zlib", "HelloWorld"},
		{"обрезанный", truncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.token)
			if err == nil {
				t.Fatalf("Decode(%q): ожидалась ошибка", tt.token)
			}
			if !errors.Is(err, ErrMalformedToken) {
				t.Errorf("ошибка = %v, ожидалась ErrMalformedToken", err)
			}
		})
	}
}

// TestDecode_EmptyCoordinate — полезная нагрузка без координаты отклоняется.
func TestDecode_EmptyCoordinate(t *testing.T) {
	var buf bytes.Buffer
	zw, _ := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	_, _ = zw.Write([]byte(`{"chat_id": 0, "msg_id": 0}`))
	_ = zw.Close()
	token := new(big.Int).SetBytes(buf.Bytes()).Text(62)

	if _, err := Decode(token); !errors.Is(err, ErrMalformedToken) {
		t.Errorf("ошибка = %v, ожидалась ErrMalformedToken", err)
	}
}
