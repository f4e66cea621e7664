// Пакет clientpool — реестр взаимозаменяемых сессий чтения с счётчиками нагрузки.
// Выбор сессии — наименьшая текущая нагрузка, при равенстве — наименьший индекс.
// Счётчик увеличивается на время активного стрима через Lease и
// восстанавливается ровно один раз при Release.
package clientpool

import (
	"errors"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrNoClientAvailable — в пуле нет ни одной сессии.
var ErrNoClientAvailable = errors.New("нет доступных сессий мессенджера")

var clientWorkload = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "ms_client_workload",
	Help: "Текущее количество активных стримов на сессии мессенджера.",
}, []string{"client"})

// Pool — типизированный реестр сессий: срез клиентов и параллельный срез счётчиков.
// Индекс сессии совпадает с порядком регистрации (0 — основная сессия).
type Pool[T any] struct {
	mu      sync.Mutex
	clients []T
	names   []string
	loads   []int64
}

// New создаёт пустой пул.
func New[T any]() *Pool[T] {
	return &Pool[T]{}
}

// Register добавляет сессию с нулевой нагрузкой и возвращает её индекс.
// Вызывается в точке регистрации при старте процесса.
func (p *Pool[T]) Register(name string, client T) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.clients = append(p.clients, client)
	p.names = append(p.names, name)
	p.loads = append(p.loads, 0)
	index := len(p.clients) - 1
	clientWorkload.WithLabelValues(strconv.Itoa(index)).Set(0)
	return index
}

// Len возвращает количество зарегистрированных сессий.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Client возвращает сессию по индексу.
func (p *Pool[T]) Client(index int) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var zero T
	if index < 0 || index >= len(p.clients) {
		return zero, false
	}
	return p.clients[index], true
}

// Select возвращает индекс и сессию с наименьшей нагрузкой.
func (p *Pool[T]) Select() (int, T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	index, err := p.leastLoaded()
	if err != nil {
		var zero T
		return -1, zero, err
	}
	return index, p.clients[index], nil
}

// Acquire выбирает наименее нагруженную сессию и сразу увеличивает её счётчик.
// Выбор и захват выполняются под одной блокировкой.
func (p *Pool[T]) Acquire() (*Lease[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	index, err := p.leastLoaded()
	if err != nil {
		return nil, err
	}
	return p.acquireLocked(index), nil
}

// AcquireIndex увеличивает счётчик конкретной сессии.
func (p *Pool[T]) AcquireIndex(index int) (*Lease[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.clients) {
		return nil, ErrNoClientAvailable
	}
	return p.acquireLocked(index), nil
}

// Workloads возвращает снимок нагрузки: индекс сессии → активные стримы.
func (p *Pool[T]) Workloads() map[int]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[int]int64, len(p.loads))
	for i, l := range p.loads {
		out[i] = l
	}
	return out
}

// Names возвращает имена сессий в порядке индексов.
func (p *Pool[T]) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.names...)
}

// leastLoaded — вызывается под p.mu.
func (p *Pool[T]) leastLoaded() (int, error) {
	if len(p.clients) == 0 {
		return -1, ErrNoClientAvailable
	}
	best := 0
	for i := 1; i < len(p.loads); i++ {
		if p.loads[i] < p.loads[best] {
			best = i
		}
	}
	return best, nil
}

// acquireLocked — вызывается под p.mu.
func (p *Pool[T]) acquireLocked(index int) *Lease[T] {
	p.loads[index]++
	clientWorkload.WithLabelValues(strconv.Itoa(index)).Set(float64(p.loads[index]))
	return &Lease[T]{pool: p, index: index, client: p.clients[index]}
}

func (p *Pool[T]) release(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.loads[index] > 0 {
		p.loads[index]--
	}
	clientWorkload.WithLabelValues(strconv.Itoa(index)).Set(float64(p.loads[index]))
}

// Lease — захват сессии на время одного стрима.
type Lease[T any] struct {
	pool   *Pool[T]
	index  int
	client T
	once   sync.Once
}

// Index возвращает индекс захваченной сессии.
func (l *Lease[T]) Index() int {
	return l.index
}

// Client возвращает захваченную сессию.
func (l *Lease[T]) Client() T {
	return l.client
}

// Release уменьшает счётчик нагрузки. Повторные вызовы игнорируются.
func (l *Lease[T]) Release() {
	l.once.Do(func() {
		l.pool.release(l.index)
	})
}
