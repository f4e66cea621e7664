// rangeplan.go — разбор HTTP Range и расчёт границ выровненных чанков.
package streamer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultChunkSize — размер чанка, который отдаёт API скачивания мессенджера.
const DefaultChunkSize int64 = 1024 * 1024

// ErrMalformedRange — заголовок Range не разбирается.
var ErrMalformedRange = errors.New("некорректный заголовок Range")

// UnsatisfiableRangeError — диапазон вне размера объекта (HTTP 416).
type UnsatisfiableRangeError struct {
	Size int64
}

func (e *UnsatisfiableRangeError) Error() string {
	return fmt.Sprintf("диапазон не удовлетворим для объекта размером %d", e.Size)
}

// ContentRange возвращает значение заголовка Content-Range для ответа 416.
func (e *UnsatisfiableRangeError) ContentRange() string {
	return fmt.Sprintf("bytes */%d", e.Size)
}

// ParseRange разбирает заголовок Range для объекта размером size.
// Без заголовка возвращает весь объект [0, size-1]; для пустого объекта
// это пустой диапазон [0, -1].
// Поддерживается одиночный диапазон bytes=<from>-<until>, пустой until
// означает конец объекта; суффиксная форма bytes=-<n> возвращает последние n байт.
// Заголовок из одних пробелов считается отсутствующим.
func ParseRange(header string, size int64) (from, until int64, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		if size < 0 {
			return 0, 0, &UnsatisfiableRangeError{Size: 0}
		}
		return 0, size - 1, nil
	}
	if size <= 0 {
		return 0, 0, &UnsatisfiableRangeError{Size: max(size, 0)}
	}

	ranges, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("%w: ожидается единица bytes: %q", ErrMalformedRange, header)
	}

	parts := strings.Split(ranges, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	fromStr, untilStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])

	// Суффиксный диапазон: последние n байт
	if fromStr == "" {
		n, perr := strconv.ParseInt(untilStr, 10, 64)
		if perr != nil || n < 0 {
			return 0, 0, fmt.Errorf("%w: %q", ErrMalformedRange, header)
		}
		// bytes=-0: синтаксически верный, но пустой диапазон
		if n == 0 {
			return 0, 0, &UnsatisfiableRangeError{Size: size}
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}

	from, err = strconv.ParseInt(fromStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: начало %q", ErrMalformedRange, fromStr)
	}
	if untilStr == "" {
		until = size - 1
	} else {
		until, err = strconv.ParseInt(untilStr, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: конец %q", ErrMalformedRange, untilStr)
		}
	}

	if until > size-1 || from < 0 || until < from {
		return 0, 0, &UnsatisfiableRangeError{Size: size}
	}
	return from, until, nil
}

// Plan — границы выровненных чанков для диапазона [From, Until].
type Plan struct {
	From, Until int64
	ChunkSize   int64
	// Offset — начало первого чанка (кратно ChunkSize)
	Offset int64
	// FirstCut — сколько байт отрезать от начала первого чанка
	FirstCut int64
	// LastCut — сколько байт оставить от последнего чанка
	LastCut int64
	// PartCount — количество запросов чанков
	PartCount int64
}

// Length возвращает количество байт диапазона.
func (p Plan) Length() int64 {
	return p.Until - p.From + 1
}

// PlanRange рассчитывает чанки для диапазона [from, until].
// PartCount считается по индексам первого и последнего чанка,
// поэтому until, кратный chunkSize, тоже покрывается целиком.
// Пустой диапазон (until < from) не требует ни одного чанка.
func PlanRange(from, until, chunkSize int64) Plan {
	if until < from {
		return Plan{From: from, Until: from - 1, ChunkSize: chunkSize}
	}
	offset := from - from%chunkSize
	return Plan{
		From:      from,
		Until:     until,
		ChunkSize: chunkSize,
		Offset:    offset,
		FirstCut:  from - offset,
		LastCut:   until%chunkSize + 1,
		PartCount: until/chunkSize - offset/chunkSize + 1,
	}
}
