// read.go — чтение записей: получение, список, поиск, статистика.
package shardstore

import (
	"context"

	"github.com/bigkaa/mediastream/internal/domain/model"
	"github.com/bigkaa/mediastream/internal/repository"
)

// Page — страница записей.
type Page struct {
	Items    []*model.MediaRecord `json:"items"`
	Total    int64                `json:"total"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
	// TotalPages — ceil(Total / PageSize)
	TotalPages int `json:"total_pages"`
	// ShardsChecked — шарды, из которых собрана страница
	ShardsChecked []int `json:"shards_checked"`
}

func newPage(items []*model.MediaRecord, total int64, page, pageSize int, checked []int) *Page {
	if items == nil {
		items = []*model.MediaRecord{}
	}
	return &Page{
		Items:         items,
		Total:         total,
		Page:          page,
		PageSize:      pageSize,
		TotalPages:    int((total + int64(pageSize) - 1) / int64(pageSize)),
		ShardsChecked: checked,
	}
}

// ListParams — параметры постраничного списка.
type ListParams struct {
	SortBy    string
	SortOrder string
	Page      int
	PageSize  int
}

func normalizePaging(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	return page, pageSize
}

// Get возвращает запись (mediaType, shard, tmdbID).
func (s *Store) Get(ctx context.Context, mt model.MediaType, shard int, tmdbID int64) (*model.MediaRecord, error) {
	if err := s.checkShard(shard); err != nil {
		return nil, err
	}
	rec, err := s.partition(shard).GetByTMDBID(ctx, mt, tmdbID)
	if err != nil {
		return nil, classifyError(err)
	}
	return rec, nil
}

// Details — запись, сужённая до сезона или эпизода.
type Details struct {
	Record  *model.MediaRecord
	Season  *model.Season
	Episode *model.Episode
}

// Details возвращает запись, а для сериала при заданных season/episode —
// соответствующий сезон или эпизод. Отсутствующий сезон или эпизод → ErrNotFound.
func (s *Store) Details(ctx context.Context, mt model.MediaType, shard int, tmdbID int64, season, episode *int) (*Details, error) {
	rec, err := s.Get(ctx, mt, shard, tmdbID)
	if err != nil {
		return nil, err
	}
	d := &Details{Record: rec}
	if season == nil {
		if episode != nil {
			return nil, &ValidationError{Field: "episode", Reason: "эпизод задаётся вместе с сезоном"}
		}
		return d, nil
	}
	if mt != model.MediaTypeTV {
		return nil, &ValidationError{Field: "season", Reason: "сезоны есть только у сериалов"}
	}

	d.Season = rec.FindSeason(*season)
	if d.Season == nil {
		return nil, ErrNotFound
	}
	if episode != nil {
		d.Episode = d.Season.FindEpisode(*episode)
		if d.Episode == nil {
			return nil, ErrNotFound
		}
	}
	return d, nil
}

// Paginate возвращает страницу записей одного типа. Страница набирается из
// активного шарда и добирается из предыдущего (pointer-1); более старые
// шарды в одну страницу не попадают. Total — сумма записей этих двух шардов.
func (s *Store) Paginate(ctx context.Context, mt model.MediaType, params ListParams) (*Page, error) {
	page, size := normalizePaging(params.Page, params.PageSize)
	skip := (page - 1) * size

	active := s.Active()
	checked := []int{active}
	prev := active - 1

	totalActive, err := s.partition(active).Count(ctx, mt)
	if err != nil {
		return nil, classifyError(err)
	}

	list := func(index, limit, offset int) ([]*model.MediaRecord, error) {
		return s.partition(index).List(ctx, mt, repository.ListParams{
			SortBy:    params.SortBy,
			SortOrder: params.SortOrder,
			Limit:     limit,
			Offset:    offset,
		})
	}

	var items []*model.MediaRecord
	if int64(skip) < totalActive {
		items, err = list(active, size, skip)
		if err != nil {
			return nil, classifyError(err)
		}
		if remaining := size - len(items); remaining > 0 && prev > 0 {
			checked = append(checked, prev)
			more, err := list(prev, remaining, 0)
			if err != nil {
				return nil, classifyError(err)
			}
			items = append(items, more...)
		}
	} else if prev > 0 {
		checked = append(checked, prev)
		items, err = list(prev, size, skip-int(totalActive))
		if err != nil {
			return nil, classifyError(err)
		}
	}

	total := totalActive
	if prev > 0 {
		totalPrev, err := s.partition(prev).Count(ctx, mt)
		if err != nil {
			return nil, classifyError(err)
		}
		total += totalPrev
	}

	return newPage(items, total, page, size, checked), nil
}

// Search ищет записи обоих типов по подстроке в названии и именах вариантов
// качества. Шарды обходятся от активного к более старым, пока не набрано
// достаточно результатов для запрошенной страницы. Total считается только
// по обойдённым шардам.
func (s *Store) Search(ctx context.Context, query string, page, pageSize int) (*Page, error) {
	page, size := normalizePaging(page, pageSize)
	skip := (page - 1) * size
	need := skip + size

	active := s.Active()
	var (
		results []*model.MediaRecord
		checked []int
	)
	for index := active; index > 0; index-- {
		if index != active && len(results) >= need {
			break
		}
		found, err := s.partition(index).Search(ctx, query)
		if err != nil {
			return nil, classifyError(err)
		}
		results = append(results, found...)
		checked = append(checked, index)
	}

	var items []*model.MediaRecord
	if skip < len(results) {
		items = results[skip:min(skip+size, len(results))]
	}
	return newPage(items, int64(len(results)), page, size, checked), nil
}

// Stats возвращает статистику всех storage-шардов.
func (s *Store) Stats(ctx context.Context) ([]model.ShardStats, error) {
	active := s.Active()
	out := make([]model.ShardStats, 0, len(s.partitions))
	for _, p := range s.partitions {
		st, err := p.Stats(ctx)
		if err != nil {
			return nil, classifyError(err)
		}
		st.Active = p.Index() == active
		out = append(out, *st)
	}
	return out, nil
}
