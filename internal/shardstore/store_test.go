package shardstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/mediastream/internal/domain/model"
	"github.com/bigkaa/mediastream/internal/locator"
	"github.com/bigkaa/mediastream/internal/repository"
)

// --- In-memory шард ---

type memPartition struct {
	mu         sync.Mutex
	index      int
	full       bool
	failDelete error
	records    []*model.MediaRecord
}

func newMemPartition(index int) *memPartition {
	return &memPartition{index: index}
}

func (m *memPartition) Index() int { return m.index }

func (m *memPartition) clone(rec *model.MediaRecord) *model.MediaRecord {
	c := rec.Clone()
	c.ShardIndex = m.index
	return c
}

func (m *memPartition) FindByNaturalKey(_ context.Context, mt model.MediaType, key model.NaturalKey) (*model.MediaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.MediaType == mt && r.NaturalKey() == key {
			return m.clone(r), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memPartition) GetByTMDBID(_ context.Context, mt model.MediaType, tmdbID int64) (*model.MediaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.MediaType == mt && r.TMDBID == tmdbID {
			return m.clone(r), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memPartition) Insert(_ context.Context, rec *model.MediaRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		return fmt.Errorf("%w: шард %d", repository.ErrQuotaExceeded, m.index)
	}
	for _, r := range m.records {
		if r.MediaType == rec.MediaType && r.NaturalKey() == rec.NaturalKey() {
			return repository.ErrConflict
		}
	}
	m.records = append(m.records, m.clone(rec))
	return nil
}

func (m *memPartition) Replace(ctx context.Context, rec *model.MediaRecord) error {
	if m.isFull() {
		return fmt.Errorf("%w: шард %d", repository.ErrQuotaExceeded, m.index)
	}
	return m.ReplaceTrimmed(ctx, rec)
}

func (m *memPartition) ReplaceTrimmed(_ context.Context, rec *model.MediaRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.records {
		if r.ID == rec.ID {
			m.records[i] = m.clone(rec)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (m *memPartition) Delete(_ context.Context, mt model.MediaType, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDelete != nil {
		return m.failDelete
	}
	for i, r := range m.records {
		if r.ID == id && r.MediaType == mt {
			m.records = append(m.records[:i], m.records[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (m *memPartition) ofType(mt model.MediaType) []*model.MediaRecord {
	var out []*model.MediaRecord
	for _, r := range m.records {
		if r.MediaType == mt {
			out = append(out, m.clone(r))
		}
	}
	return out
}

func (m *memPartition) List(_ context.Context, mt model.MediaType, params repository.ListParams) ([]*model.MediaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.ofType(mt)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Title < recs[j].Title })
	if params.Offset >= len(recs) {
		return nil, nil
	}
	return recs[params.Offset:min(params.Offset+params.Limit, len(recs))], nil
}

func (m *memPartition) Count(_ context.Context, mt model.MediaType) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.ofType(mt))), nil
}

func (m *memPartition) Search(_ context.Context, query string) ([]*model.MediaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.MediaRecord
	for _, mt := range []model.MediaType{model.MediaTypeTV, model.MediaTypeMovie} {
		for _, r := range m.ofType(mt) {
			if containsWords(r.Title, query) {
				out = append(out, r)
				continue
			}
			for _, n := range r.DisplayNames() {
				if containsWords(n, query) {
					out = append(out, r)
					break
				}
			}
		}
	}
	return out, nil
}

func containsWords(s, query string) bool {
	s = strings.ToLower(s)
	for _, w := range strings.Fields(strings.ToLower(query)) {
		i := strings.Index(s, w)
		if i < 0 {
			return false
		}
		s = s[i+len(w):]
	}
	return true
}

func (m *memPartition) Stats(_ context.Context) (*model.ShardStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &model.ShardStats{ShardIndex: m.index, CapacityBytes: 1000}
	st.MovieCount = int64(len(m.ofType(model.MediaTypeMovie)))
	st.TVCount = int64(len(m.ofType(model.MediaTypeTV)))
	st.RecordCount = st.MovieCount + st.TVCount
	st.UsedBytes = st.RecordCount * 10
	return st, nil
}

func (m *memPartition) isFull() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.full
}

func (m *memPartition) setFull(full bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.full = full
}

func (m *memPartition) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// --- Mock-указатель ---

type memTracker struct {
	mu      sync.Mutex
	active  int
	history []int
}

func (t *memTracker) ActiveShard(context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active, nil
}

func (t *memTracker) SetActiveShard(_ context.Context, index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = index
	t.history = append(t.history, index)
	return nil
}

// --- Helpers ---

type testEnv struct {
	store      *Store
	parts      []*memPartition
	tracker    *memTracker
	superseded []model.Coordinate
}

func newTestEnv(t *testing.T, shards, active int) *testEnv {
	t.Helper()
	env := &testEnv{tracker: &memTracker{active: active}}
	var parts []Partition
	for i := 1; i <= shards; i++ {
		p := newMemPartition(i)
		env.parts = append(env.parts, p)
		parts = append(parts, p)
	}
	store, err := New(context.Background(), parts, env.tracker, func(c model.Coordinate) {
		env.superseded = append(env.superseded, c)
	}, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.store = store
	return env
}

func movieEvent(title string, year int, quality string, msg int64) *model.IngestEvent {
	return &model.IngestEvent{
		Metadata: model.MediaRecord{
			TMDBID:      int64(year),
			Title:       title,
			ReleaseYear: year,
			MediaType:   model.MediaTypeMovie,
		},
		Coordinate:  model.Coordinate{ChannelID: 1001, MessageID: msg},
		Quality:     quality,
		DisplayName: fmt.Sprintf("%s.%d.%s.mkv", title, year, quality),
		SizeLabel:   "1.50 GB",
	}
}

func episodeEvent(title string, season, episode int, quality string, msg int64) *model.IngestEvent {
	ev := movieEvent(title, 2017, quality, msg)
	ev.Metadata.MediaType = model.MediaTypeTV
	ev.Season = season
	ev.Episode = episode
	ev.EpisodeTitle = fmt.Sprintf("Episode %d", episode)
	return ev
}

func mustIngest(t *testing.T, s *Store, ev *model.IngestEvent) uuid.UUID {
	t.Helper()
	id, err := s.Ingest(context.Background(), ev)
	if err != nil {
		t.Fatalf("Ingest(%s): %v", ev.Metadata.Title, err)
	}
	return id
}

// --- Ingest ---

func TestIngest_NewRecordGoesToActive(t *testing.T) {
	env := newTestEnv(t, 3, 2)

	mustIngest(t, env.store, movieEvent("Heat", 1995, "1080p", 1))

	if env.parts[1].size() != 1 || env.parts[0].size() != 0 || env.parts[2].size() != 0 {
		t.Fatalf("запись должна попасть только в шард 2")
	}
	rec, err := env.store.Get(context.Background(), model.MediaTypeMovie, 2, 1995)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.ShardIndex != 2 || len(rec.Qualities) != 1 {
		t.Errorf("запись = %+v", rec)
	}
	coord, err := locator.Decode(rec.Qualities[0].Token)
	if err != nil || coord.MessageID != 1 || coord.ChannelID != 1001 {
		t.Errorf("токен варианта декодируется в %+v, %v", coord, err)
	}
}

// TestIngest_MergeIdempotence — повторный ингест той же метки качества
// заменяет вариант, а не добавляет второй.
func TestIngest_MergeIdempotence(t *testing.T) {
	env := newTestEnv(t, 2, 1)

	first := mustIngest(t, env.store, movieEvent("Heat", 1995, "1080p", 1))
	second := movieEvent("Heat", 1995, "1080p", 2)
	second.SizeLabel = "2.00 GB"
	id := mustIngest(t, env.store, second)

	if id != first {
		t.Errorf("ID записи изменился: %s → %s", first, id)
	}
	rec, _ := env.store.Get(context.Background(), model.MediaTypeMovie, 1, 1995)
	if len(rec.Qualities) != 1 {
		t.Fatalf("вариантов качества = %d, ожидался 1", len(rec.Qualities))
	}
	if rec.Qualities[0].Size != "2.00 GB" {
		t.Errorf("Size = %q, ожидались значения второго ингеста", rec.Qualities[0].Size)
	}
	if len(env.superseded) != 1 || env.superseded[0].MessageID != 1 {
		t.Errorf("вытесненные объекты = %+v, ожидалось сообщение 1", env.superseded)
	}
}

func TestIngest_SameObjectNotSuperseded(t *testing.T) {
	env := newTestEnv(t, 1, 1)

	mustIngest(t, env.store, movieEvent("Heat", 1995, "1080p", 7))
	mustIngest(t, env.store, movieEvent("Heat", 1995, "1080p", 7))

	if len(env.superseded) != 0 {
		t.Errorf("повторный ингест того же объекта не должен его удалять: %+v", env.superseded)
	}
}

func TestIngest_AppendQuality(t *testing.T) {
	env := newTestEnv(t, 1, 1)

	mustIngest(t, env.store, movieEvent("Heat", 1995, "1080p", 1))
	mustIngest(t, env.store, movieEvent("Heat", 1995, "720p", 2))

	rec, _ := env.store.Get(context.Background(), model.MediaTypeMovie, 1, 1995)
	if len(rec.Qualities) != 2 || rec.Qualities[0].Quality != "1080p" || rec.Qualities[1].Quality != "720p" {
		t.Errorf("качества = %+v", rec.Qualities)
	}
	if len(env.superseded) != 0 {
		t.Errorf("новая метка не вытесняет объекты: %+v", env.superseded)
	}
}

func TestIngest_SeriesMerge(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	s := env.store

	mustIngest(t, s, episodeEvent("Dark", 1, 1, "1080p", 1))
	mustIngest(t, s, episodeEvent("Dark", 1, 2, "1080p", 2))
	mustIngest(t, s, episodeEvent("Dark", 2, 1, "1080p", 3))
	mustIngest(t, s, episodeEvent("Dark", 1, 1, "720p", 4))
	mustIngest(t, s, episodeEvent("Dark", 1, 1, "1080p", 5))

	rec, err := s.Get(context.Background(), model.MediaTypeTV, 1, 2017)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(rec.Seasons) != 2 {
		t.Fatalf("сезонов = %d, ожидалось 2", len(rec.Seasons))
	}
	s1 := rec.FindSeason(1)
	if s1 == nil || len(s1.Episodes) != 2 {
		t.Fatalf("сезон 1 = %+v", s1)
	}
	e1 := s1.FindEpisode(1)
	if e1 == nil || len(e1.Qualities) != 2 {
		t.Fatalf("эпизод 1 = %+v", e1)
	}
	coord, _ := locator.Decode(e1.Qualities[0].Token)
	if e1.Qualities[0].Quality != "1080p" || coord.MessageID != 5 {
		t.Errorf("1080p эпизода 1 указывает на сообщение %d, ожидалось 5", coord.MessageID)
	}
	if len(env.superseded) != 1 || env.superseded[0].MessageID != 1 {
		t.Errorf("вытесненные объекты = %+v", env.superseded)
	}
	if env.parts[0].size() != 1 {
		t.Errorf("записей в шарде = %d, ожидалась 1", env.parts[0].size())
	}
}

// TestIngest_MigratesToActive — запись из неактивного шарда переносится
// в активный с сохранением ID, старая копия удаляется.
func TestIngest_MigratesToActive(t *testing.T) {
	env := newTestEnv(t, 2, 1)
	id := mustIngest(t, env.store, movieEvent("Heat", 1995, "1080p", 1))

	// Переключаем указатель: шард 1 заполнен
	env.parts[0].setFull(true)
	mustIngest(t, env.store, movieEvent("Alien", 1979, "1080p", 2))
	if env.store.Active() != 2 {
		t.Fatalf("Active = %d, ожидался 2", env.store.Active())
	}

	got := mustIngest(t, env.store, movieEvent("Heat", 1995, "720p", 3))
	if got != id {
		t.Errorf("ID после переноса = %s, ожидался %s", got, id)
	}
	if env.parts[0].size() != 0 {
		t.Errorf("в шарде 1 осталось записей: %d", env.parts[0].size())
	}
	rec, err := env.store.Get(context.Background(), model.MediaTypeMovie, 2, 1995)
	if err != nil {
		t.Fatalf("Get(шард 2): %v", err)
	}
	if rec.ID != id || len(rec.Qualities) != 2 || rec.ShardIndex != 2 {
		t.Errorf("перенесённая запись = %+v", rec)
	}
}

func TestIngest_MigrationDeleteFailureCompensates(t *testing.T) {
	env := newTestEnv(t, 2, 1)
	mustIngest(t, env.store, movieEvent("Heat", 1995, "1080p", 1))

	env.tracker.active = 2
	env.store.active.Store(2)
	env.parts[0].failDelete = errors.New("соединение потеряно")

	_, err := env.store.Ingest(context.Background(), movieEvent("Heat", 1995, "720p", 2))
	if !errors.Is(err, ErrShardWrite) {
		t.Fatalf("ошибка = %v, ожидалась ErrShardWrite", err)
	}
	if env.parts[0].size() != 1 || env.parts[1].size() != 0 {
		t.Errorf("записей: шард 1 = %d, шард 2 = %d; ожидалось 1/0", env.parts[0].size(), env.parts[1].size())
	}
	if len(env.superseded) != 0 {
		t.Errorf("неуспешная запись не должна удалять объекты")
	}
}

// TestOverflow_Cycle — N=3, указатель 3: квота переводит на 1, затем на 2;
// после N неудачных попыток — ErrAllShardsExhausted, указатель на последнем шарде.
func TestOverflow_Cycle(t *testing.T) {
	env := newTestEnv(t, 3, 3)
	for _, p := range env.parts {
		p.setFull(true)
	}

	_, err := env.store.Ingest(context.Background(), movieEvent("Heat", 1995, "1080p", 1))
	if !errors.Is(err, ErrAllShardsExhausted) {
		t.Fatalf("ошибка = %v, ожидалась ErrAllShardsExhausted", err)
	}
	want := []int{1, 2}
	if fmt.Sprint(env.tracker.history) != fmt.Sprint(want) {
		t.Errorf("история указателя = %v, ожидалась %v", env.tracker.history, want)
	}
	if env.store.Active() != 2 {
		t.Errorf("Active = %d, ожидался 2", env.store.Active())
	}
}

func TestOverflow_AdvancesToFreeShard(t *testing.T) {
	env := newTestEnv(t, 3, 3)
	env.parts[2].setFull(true)
	env.parts[0].setFull(true)

	mustIngest(t, env.store, movieEvent("Heat", 1995, "1080p", 1))

	if env.store.Active() != 2 || env.parts[1].size() != 1 {
		t.Errorf("Active = %d, записей в шарде 2 = %d; ожидалось 2/1", env.store.Active(), env.parts[1].size())
	}
	if fmt.Sprint(env.tracker.history) != "[1 2]" {
		t.Errorf("история указателя = %v", env.tracker.history)
	}
}

func TestIngest_Validation(t *testing.T) {
	env := newTestEnv(t, 1, 1)

	tests := []struct {
		name   string
		mutate func(ev *model.IngestEvent)
		field  string
	}{
		{"пустое название", func(ev *model.IngestEvent) { ev.Metadata.Title = " " }, "title"},
		{"нет года", func(ev *model.IngestEvent) { ev.Metadata.ReleaseYear = 0 }, "release_year"},
		{"тип", func(ev *model.IngestEvent) { ev.Metadata.MediaType = "anime" }, "media_type"},
		{"нет координаты", func(ev *model.IngestEvent) { ev.Coordinate = model.Coordinate{} }, "coordinate"},
		{"нет качества", func(ev *model.IngestEvent) { ev.Quality = "" }, "quality"},
		{"нет имени", func(ev *model.IngestEvent) { ev.DisplayName = "" }, "display_name"},
		{"эпизод 0", func(ev *model.IngestEvent) {
			ev.Metadata.MediaType = model.MediaTypeTV
			ev.Episode = 0
		}, "episode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := movieEvent("Heat", 1995, "1080p", 1)
			tt.mutate(ev)
			_, err := env.store.Ingest(context.Background(), ev)
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Errorf("ошибка = %v, ожидалась ValidationError(%s)", err, tt.field)
			}
		})
	}
	if env.parts[0].size() != 0 {
		t.Error("некорректные события не должны записываться")
	}
}

// --- Paginate / Search ---

func fill(t *testing.T, p *memPartition, prefix string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		rec := &model.MediaRecord{
			ID:          uuid.New(),
			TMDBID:      int64(p.index*1000 + i),
			Title:       fmt.Sprintf("%s %02d", prefix, i),
			ReleaseYear: 2000,
			MediaType:   model.MediaTypeMovie,
			UpdatedAt:   time.Now(),
		}
		if err := p.Insert(context.Background(), rec); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
}

// TestPaginate_CrossShard — 6 записей в активном шарде и 20 в предыдущем:
// первая страница по 10 = 6 из активного и 4 из предыдущего.
func TestPaginate_CrossShard(t *testing.T) {
	env := newTestEnv(t, 3, 2)
	fill(t, env.parts[1], "active", 6)
	fill(t, env.parts[0], "prev", 20)
	fill(t, env.parts[2], "other", 5)

	page, err := env.store.Paginate(context.Background(), model.MediaTypeMovie, ListParams{Page: 1, PageSize: 10})
	if err != nil {
		t.Fatalf("Paginate: %v", err)
	}
	if len(page.Items) != 10 {
		t.Fatalf("записей на странице = %d, ожидалось 10", len(page.Items))
	}
	for i, rec := range page.Items {
		wantShard := 2
		if i >= 6 {
			wantShard = 1
		}
		if rec.ShardIndex != wantShard {
			t.Errorf("запись %d из шарда %d, ожидался %d", i, rec.ShardIndex, wantShard)
		}
	}
	if page.Items[6].Title != "prev 00" {
		t.Errorf("добор из предыдущего шарда начинается с %q", page.Items[6].Title)
	}
	if page.Total != 26 || page.TotalPages != 3 {
		t.Errorf("Total = %d, TotalPages = %d; ожидалось 26/3", page.Total, page.TotalPages)
	}
	if fmt.Sprint(page.ShardsChecked) != "[2 1]" {
		t.Errorf("ShardsChecked = %v", page.ShardsChecked)
	}

	// Вторая страница целиком из предыдущего шарда со смещением 10-6
	page2, err := env.store.Paginate(context.Background(), model.MediaTypeMovie, ListParams{Page: 2, PageSize: 10})
	if err != nil {
		t.Fatalf("Paginate(2): %v", err)
	}
	if len(page2.Items) != 10 || page2.Items[0].Title != "prev 04" {
		t.Errorf("страница 2: %d записей, первая %q", len(page2.Items), page2.Items[0].Title)
	}

	page3, _ := env.store.Paginate(context.Background(), model.MediaTypeMovie, ListParams{Page: 3, PageSize: 10})
	if len(page3.Items) != 6 {
		t.Errorf("страница 3: %d записей, ожидалось 6", len(page3.Items))
	}
}

func TestPaginate_FirstShardNoLookback(t *testing.T) {
	env := newTestEnv(t, 2, 1)
	fill(t, env.parts[0], "first", 3)
	fill(t, env.parts[1], "second", 30)

	page, err := env.store.Paginate(context.Background(), model.MediaTypeMovie, ListParams{Page: 1, PageSize: 10})
	if err != nil {
		t.Fatalf("Paginate: %v", err)
	}
	if len(page.Items) != 3 || page.Total != 3 || fmt.Sprint(page.ShardsChecked) != "[1]" {
		t.Errorf("страница = %d записей, Total = %d, шарды %v", len(page.Items), page.Total, page.ShardsChecked)
	}

	empty, _ := env.store.Paginate(context.Background(), model.MediaTypeMovie, ListParams{Page: 5, PageSize: 10})
	if len(empty.Items) != 0 || empty.Items == nil {
		t.Errorf("страница за пределами должна быть пустым списком: %v", empty.Items)
	}
}

func TestSearch_WalksBackwardUntilEnough(t *testing.T) {
	env := newTestEnv(t, 3, 3)
	fill(t, env.parts[2], "matrix a", 2)
	fill(t, env.parts[1], "matrix b", 3)
	fill(t, env.parts[0], "matrix c", 5)
	fill(t, env.parts[2], "other", 4)

	page, err := env.store.Search(context.Background(), "MATRIX", 1, 4)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(page.Items) != 4 {
		t.Errorf("результатов = %d, ожидалось 4", len(page.Items))
	}
	// Total — только по обойдённым шардам 3 и 2
	if page.Total != 5 || fmt.Sprint(page.ShardsChecked) != "[3 2]" {
		t.Errorf("Total = %d, шарды %v; ожидалось 5, [3 2]", page.Total, page.ShardsChecked)
	}

	page2, err := env.store.Search(context.Background(), "matrix", 2, 4)
	if err != nil {
		t.Fatalf("Search(2): %v", err)
	}
	if page2.Total != 10 || len(page2.Items) != 4 || fmt.Sprint(page2.ShardsChecked) != "[3 2 1]" {
		t.Errorf("страница 2: Total = %d, %d результатов, шарды %v", page2.Total, len(page2.Items), page2.ShardsChecked)
	}
}

func TestSearch_MatchesDisplayNames(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	mustIngest(t, env.store, movieEvent("Heat", 1995, "2160p", 1))

	page, err := env.store.Search(context.Background(), "heat 2160p", 1, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if page.Total != 1 {
		t.Errorf("Total = %d, ожидался 1", page.Total)
	}
	page, _ = env.store.Search(context.Background(), "2160p heat", 1, 10)
	if page.Total != 0 {
		t.Errorf("слова должны совпадать по порядку: Total = %d", page.Total)
	}
}

// --- Правки и удаления ---

func TestUpdateDocument(t *testing.T) {
	env := newTestEnv(t, 2, 1)
	mustIngest(t, env.store, movieEvent("Heat", 1995, "1080p", 1))
	ctx := context.Background()

	title := "Heat (Director's Cut)"
	rating := 8.3
	rec, changed, err := env.store.UpdateDocument(ctx, model.MediaTypeMovie, 1, 1995, &DocumentPatch{Title: &title, Rating: &rating})
	if err != nil || !changed {
		t.Fatalf("UpdateDocument = %v, changed = %v", err, changed)
	}
	if rec.Title != title || rec.Rating != rating || len(rec.Qualities) != 1 {
		t.Errorf("запись после правки = %+v", rec)
	}

	_, changed, err = env.store.UpdateDocument(ctx, model.MediaTypeMovie, 1, 1995, &DocumentPatch{Title: &title})
	if err != nil || changed {
		t.Errorf("правка без изменений: changed = %v, err = %v", changed, err)
	}

	empty := ""
	_, _, err = env.store.UpdateDocument(ctx, model.MediaTypeMovie, 1, 1995, &DocumentPatch{Title: &empty})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("пустое название: ошибка = %v, ожидалась ValidationError", err)
	}

	if _, _, err := env.store.UpdateDocument(ctx, model.MediaTypeMovie, 1, 42, &DocumentPatch{Title: &title}); !errors.Is(err, ErrNotFound) {
		t.Errorf("отсутствующая запись: ошибка = %v, ожидалась ErrNotFound", err)
	}
	if _, _, err := env.store.UpdateDocument(ctx, model.MediaTypeMovie, 9, 1995, &DocumentPatch{}); !errors.As(err, &verr) {
		t.Errorf("шард вне диапазона: ошибка = %v, ожидалась ValidationError", err)
	}
}

// TestUpdateDocument_MigratesFromFullShard — правка в заполненном шарде
// переносит запись через цикл переключения.
func TestUpdateDocument_MigratesFromFullShard(t *testing.T) {
	env := newTestEnv(t, 2, 1)
	id := mustIngest(t, env.store, movieEvent("Heat", 1995, "1080p", 1))
	env.parts[0].setFull(true)

	desc := "Bank robbers"
	rec, changed, err := env.store.UpdateDocument(context.Background(), model.MediaTypeMovie, 1, 1995, &DocumentPatch{Description: &desc})
	if err != nil || !changed {
		t.Fatalf("UpdateDocument = %v, changed = %v", err, changed)
	}
	if rec.ShardIndex != 2 || rec.ID != id || rec.Description != desc {
		t.Errorf("запись после переноса = %+v", rec)
	}
	if env.store.Active() != 2 || env.parts[0].size() != 0 || env.parts[1].size() != 1 {
		t.Errorf("Active = %d, шард 1 = %d, шард 2 = %d", env.store.Active(), env.parts[0].size(), env.parts[1].size())
	}
}

func TestDeletes(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	s := env.store
	ctx := context.Background()

	mustIngest(t, s, movieEvent("Heat", 1995, "1080p", 1))
	mustIngest(t, s, movieEvent("Heat", 1995, "720p", 2))
	mustIngest(t, s, episodeEvent("Dark", 1, 1, "1080p", 3))
	mustIngest(t, s, episodeEvent("Dark", 1, 1, "720p", 4))
	mustIngest(t, s, episodeEvent("Dark", 1, 2, "1080p", 5))
	mustIngest(t, s, episodeEvent("Dark", 2, 1, "1080p", 6))

	if err := s.DeleteMovieQuality(ctx, 1, 1995, "2160p"); !errors.Is(err, ErrNotFound) {
		t.Errorf("удаление отсутствующего качества: %v", err)
	}
	if err := s.DeleteMovieQuality(ctx, 1, 1995, "720p"); err != nil {
		t.Fatalf("DeleteMovieQuality: %v", err)
	}
	movie, _ := s.Get(ctx, model.MediaTypeMovie, 1, 1995)
	if len(movie.Qualities) != 1 || movie.Qualities[0].Quality != "1080p" {
		t.Errorf("качества фильма = %+v", movie.Qualities)
	}

	if err := s.DeleteEpisodeQuality(ctx, 1, 2017, 1, 1, "720p"); err != nil {
		t.Fatalf("DeleteEpisodeQuality: %v", err)
	}
	if err := s.DeleteEpisodeQuality(ctx, 1, 2017, 1, 9, "720p"); !errors.Is(err, ErrNotFound) {
		t.Errorf("отсутствующий эпизод: %v", err)
	}
	if err := s.DeleteEpisode(ctx, 1, 2017, 1, 2); err != nil {
		t.Fatalf("DeleteEpisode: %v", err)
	}
	if err := s.DeleteSeason(ctx, 1, 2017, 2); err != nil {
		t.Fatalf("DeleteSeason: %v", err)
	}
	if err := s.DeleteSeason(ctx, 1, 2017, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("повторное удаление сезона: %v", err)
	}

	tv, _ := s.Get(ctx, model.MediaTypeTV, 1, 2017)
	if len(tv.Seasons) != 1 || len(tv.Seasons[0].Episodes) != 1 || len(tv.Seasons[0].Episodes[0].Qualities) != 1 {
		t.Errorf("сериал после удалений = %+v", tv.Seasons)
	}

	if err := s.DeleteDocument(ctx, model.MediaTypeTV, 1, 2017); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if err := s.DeleteDocument(ctx, model.MediaTypeTV, 1, 2017); !errors.Is(err, ErrNotFound) {
		t.Errorf("повторное удаление записи: %v", err)
	}
}

// TestDeletes_FullShard — удаление элементов работает и в заполненном шарде.
func TestDeletes_FullShard(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	mustIngest(t, env.store, movieEvent("Heat", 1995, "1080p", 1))
	mustIngest(t, env.store, movieEvent("Heat", 1995, "720p", 2))
	env.parts[0].setFull(true)

	if err := env.store.DeleteMovieQuality(context.Background(), 1, 1995, "720p"); err != nil {
		t.Errorf("DeleteMovieQuality в заполненном шарде: %v", err)
	}
}

func TestDetails(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	mustIngest(t, env.store, episodeEvent("Dark", 1, 3, "1080p", 1))
	ctx := context.Background()
	one, three, nine := 1, 3, 9

	d, err := env.store.Details(ctx, model.MediaTypeTV, 1, 2017, &one, &three)
	if err != nil {
		t.Fatalf("Details: %v", err)
	}
	if d.Season == nil || d.Episode == nil || d.Episode.Number != 3 {
		t.Errorf("Details = %+v", d)
	}
	if _, err := env.store.Details(ctx, model.MediaTypeTV, 1, 2017, &one, &nine); !errors.Is(err, ErrNotFound) {
		t.Errorf("отсутствующий эпизод: %v", err)
	}
	if _, err := env.store.Details(ctx, model.MediaTypeTV, 1, 2017, nil, &three); err == nil {
		t.Error("эпизод без сезона должен быть ошибкой")
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, 2, 2)
	fill(t, env.parts[0], "a", 3)

	stats, err := env.store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) != 2 || stats[0].RecordCount != 3 || stats[0].Active || !stats[1].Active {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestNew_ResetsOutOfRangePointer(t *testing.T) {
	env := newTestEnv(t, 2, 7)
	if env.store.Active() != 1 || env.tracker.active != 1 {
		t.Errorf("Active = %d, сохранено %d; ожидалось 1", env.store.Active(), env.tracker.active)
	}
}

// TestIngest_Concurrent — параллельные ингесты одной записи не создают дубликатов.
func TestIngest_Concurrent(t *testing.T) {
	env := newTestEnv(t, 2, 1)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := env.store.Ingest(context.Background(), movieEvent("Heat", 1995, fmt.Sprintf("q%d", i%4), int64(i+1))); err != nil {
				t.Errorf("Ingest: %v", err)
			}
		}(i)
	}
	wg.Wait()

	rec, err := env.store.Get(context.Background(), model.MediaTypeMovie, 1, 1995)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if env.parts[0].size() != 1 || len(rec.Qualities) != 4 {
		t.Errorf("записей = %d, качеств = %d; ожидалось 1/4", env.parts[0].size(), len(rec.Qualities))
	}
}
