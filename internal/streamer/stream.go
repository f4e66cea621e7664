// stream.go — pull-итератор фрагментов диапазона.
package streamer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bigkaa/mediastream/internal/domain/model"
)

// Stream — конечная, не перезапускаемая последовательность фрагментов
// диапазона в порядке возрастания смещения. Чанки запрашиваются лениво в Next.
// Close освобождает нагрузку сессии ровно один раз; после исчерпания
// последовательности или ошибки это происходит автоматически.
type Stream struct {
	src     Source
	release func()
	client  int
	desc    *model.ObjectDescriptor
	plan    Plan
	partial bool

	part   int64
	err    error
	closed bool
}

// Descriptor возвращает свойства объекта.
func (st *Stream) Descriptor() *model.ObjectDescriptor {
	return st.desc
}

// Plan возвращает рассчитанные границы чанков.
func (st *Stream) Plan() Plan {
	return st.plan
}

// Partial сообщает, был ли запрошен диапазон (ответ 206).
func (st *Stream) Partial() bool {
	return st.partial
}

// Client возвращает индекс обслуживающей сессии.
func (st *Stream) Client() int {
	return st.client
}

// ContentRange возвращает значение заголовка Content-Range.
func (st *Stream) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", st.plan.From, st.plan.Until, st.desc.Size)
}

// Next возвращает следующий фрагмент или io.EOF после последнего.
func (st *Stream) Next(ctx context.Context) ([]byte, error) {
	if st.err != nil {
		return nil, st.err
	}
	if st.part >= st.plan.PartCount {
		st.Close()
		return nil, io.EOF
	}
	if st.closed {
		return nil, ErrStreamClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, st.fail(err)
	}

	offset := st.plan.Offset + st.part*st.plan.ChunkSize
	start := time.Now()
	chunk, err := st.src.FetchChunk(ctx, st.desc.FileRef, offset, st.plan.ChunkSize)
	chunkFetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, st.fail(classifyBackendError(err, fmt.Errorf("чанк offset=%d", offset)))
	}

	last := st.part == st.plan.PartCount-1
	lo, hi := int64(0), int64(len(chunk))
	if st.part == 0 {
		lo = st.plan.FirstCut
	}
	if last {
		hi = st.plan.LastCut
	} else if int64(len(chunk)) != st.plan.ChunkSize {
		return nil, st.fail(fmt.Errorf("%w: offset=%d, получено %d байт", ErrShortChunk, offset, len(chunk)))
	}
	if hi > int64(len(chunk)) || lo > hi {
		return nil, st.fail(fmt.Errorf("%w: offset=%d, получено %d байт, нужно %d", ErrShortChunk, offset, len(chunk), hi))
	}

	st.part++
	if last {
		st.Close()
	}
	return chunk[lo:hi], nil
}

// CopyTo записывает весь оставшийся диапазон в w и возвращает число байт.
// Поток закрывается в любом случае.
func (st *Stream) CopyTo(ctx context.Context, w io.Writer) (int64, error) {
	defer st.Close()

	var written int64
	for {
		frag, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
		n, werr := w.Write(frag)
		written += int64(n)
		if werr != nil {
			return written, st.fail(werr)
		}
	}
}

// Close освобождает нагрузку сессии. Повторные вызовы безопасны.
func (st *Stream) Close() error {
	if !st.closed {
		st.closed = true
		st.release()
	}
	return nil
}

func (st *Stream) fail(err error) error {
	st.err = err
	st.Close()
	return err
}
