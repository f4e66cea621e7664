package clientpool

import (
	"errors"
	"sync"
	"testing"
)

// newTestPool создаёт пул из n сессий-строк.
func newTestPool(n int) *Pool[string] {
	p := New[string]()
	for i := 0; i < n; i++ {
		p.Register("client", "c"+string(rune('0'+i)))
	}
	return p
}

func TestSelect_Empty(t *testing.T) {
	p := New[string]()
	if _, _, err := p.Select(); !errors.Is(err, ErrNoClientAvailable) {
		t.Errorf("Select() ошибка = %v, ожидалась ErrNoClientAvailable", err)
	}
	if _, err := p.Acquire(); !errors.Is(err, ErrNoClientAvailable) {
		t.Errorf("Acquire() ошибка = %v, ожидалась ErrNoClientAvailable", err)
	}
}

// TestSelect_LeastLoadedLowestIndex — счётчики {0:3, 1:1, 2:1} → сессия 1.
func TestSelect_LeastLoadedLowestIndex(t *testing.T) {
	p := newTestPool(3)
	for i := 0; i < 3; i++ {
		if _, err := p.AcquireIndex(0); err != nil {
			t.Fatalf("AcquireIndex(0): %v", err)
		}
	}
	if _, err := p.AcquireIndex(1); err != nil {
		t.Fatalf("AcquireIndex(1): %v", err)
	}
	if _, err := p.AcquireIndex(2); err != nil {
		t.Fatalf("AcquireIndex(2): %v", err)
	}

	index, client, err := p.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if index != 1 || client != "c1" {
		t.Errorf("Select() = (%d, %s), ожидалось (1, c1)", index, client)
	}
}

func TestSelect_EqualLoadPrefersPrimary(t *testing.T) {
	p := newTestPool(4)
	index, _, err := p.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if index != 0 {
		t.Errorf("Select() = %d, ожидалось 0", index)
	}
}

func TestLease_ReleaseOnce(t *testing.T) {
	p := newTestPool(2)

	lease, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := p.Workloads()[0]; got != 1 {
		t.Fatalf("нагрузка = %d, ожидалась 1", got)
	}

	lease.Release()
	lease.Release()
	if got := p.Workloads()[0]; got != 0 {
		t.Errorf("нагрузка после двойного Release = %d, ожидалась 0", got)
	}
}

// TestAcquire_SpreadsLoad — последовательные захваты распределяются по кругу.
func TestAcquire_SpreadsLoad(t *testing.T) {
	p := newTestPool(3)
	var got []int
	for i := 0; i < 6; i++ {
		lease, err := p.Acquire()
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		got = append(got, lease.Index())
	}
	want := []int{0, 1, 2, 0, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("порядок захвата = %v, ожидался %v", got, want)
		}
	}
}

func TestAcquire_Concurrent(t *testing.T) {
	p := newTestPool(3)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Acquire()
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			lease.Release()
		}()
	}
	wg.Wait()

	for index, load := range p.Workloads() {
		if load != 0 {
			t.Errorf("нагрузка сессии %d = %d, ожидалась 0", index, load)
		}
	}
}

func TestAcquireIndex_OutOfRange(t *testing.T) {
	p := newTestPool(1)
	if _, err := p.AcquireIndex(5); !errors.Is(err, ErrNoClientAvailable) {
		t.Errorf("ошибка = %v, ожидалась ErrNoClientAvailable", err)
	}
	if _, ok := p.Client(5); ok {
		t.Error("Client(5) вернул ok=true")
	}
}
