// Пакет ingest — последовательная запись событий загрузки в хранилище
// и фоновые операции над сообщениями мессенджера (удаление вытесненных
// объектов, правка подписей).
package ingest

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Queue — неограниченная FIFO-очередь. Push никогда не блокирует,
// Pop ждёт элемент или отмену контекста.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	depth  prometheus.Gauge
}

// NewQueue создаёт очередь. depth (может быть nil) отражает её длину.
func NewQueue[T any](depth prometheus.Gauge) *Queue[T] {
	return &Queue[T]{
		notify: make(chan struct{}, 1),
		depth:  depth,
	}
}

// Push добавляет элемент в конец очереди.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	n := len(q.items)
	q.mu.Unlock()

	if q.depth != nil {
		q.depth.Set(float64(n))
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop извлекает элемент из начала очереди.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			n := len(q.items)
			q.mu.Unlock()

			if q.depth != nil {
				q.depth.Set(float64(n))
			}
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Len возвращает текущую длину очереди.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
