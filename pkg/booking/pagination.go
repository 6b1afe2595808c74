package booking

// PageInfo describes one page of a client-side paginated list.
type PageInfo struct {
	Page        int  `json:"page"`
	PageSize    int  `json:"pageSize"`
	Total       int  `json:"total"`
	TotalPages  int  `json:"totalPages"`
	Offset      int  `json:"offset"`
	HasNext     bool `json:"hasNext"`
	HasPrevious bool `json:"hasPrevious"`
}

// DefaultPageSize is used when a caller passes a non-positive page size.
const DefaultPageSize = 10

// Paginate computes page metadata. Pages are 1-based; out-of-range pages are
// clamped to the first or last page, and an empty list has a single page 1.
func Paginate(total, page, pageSize int) PageInfo {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if total < 0 {
		total = 0
	}
	totalPages := total / pageSize
	if total%pageSize != 0 {
		totalPages++
	}
	page = max(1, min(page, max(totalPages, 1)))
	return PageInfo{
		Page:        page,
		PageSize:    pageSize,
		Total:       total,
		TotalPages:  totalPages,
		Offset:      (page - 1) * pageSize,
		HasNext:     page < totalPages,
		HasPrevious: page > 1,
	}
}

// PageOf returns the items of the requested page and its metadata.
func PageOf[T any](items []T, page, pageSize int) ([]T, PageInfo) {
	info := Paginate(len(items), page, pageSize)
	if info.Offset >= len(items) {
		return []T{}, info
	}
	end := info.Offset + min(info.PageSize, len(items)-info.Offset)
	return items[info.Offset:end], info
}
