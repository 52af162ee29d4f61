package querycache

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type PaginationResult struct {
	Rows        []Row `json:"rows"`
	CurrentPage int   `json:"current_page"`
	PageSize    int   `json:"page_size"`
	TotalCount  int64 `json:"total_count"`
	TotalPages  int   `json:"total_pages"`
	HasPrevious bool  `json:"has_previous"`
	HasNext     bool  `json:"has_next"`
}

// Paginate runs base as a count query and as a LIMIT/OFFSET page query,
// each through the cache with its own TTL. Out of range page sizes and
// numbers are clamped, never rejected.
func (q *QueryCache) Paginate(ctx context.Context, base string, pageSize, pageNumber int, params []any) (PaginationResult, error) {
	pageSize = min(max(pageSize, 1), q.opts.MaxPageSize)
	// The offset (pageNumber-1)*pageSize must stay within int.
	pageNumber = min(max(pageNumber, 1), math.MaxInt/pageSize)

	base = strings.TrimRight(strings.TrimSpace(base), ";")

	countStmt := fmt.Sprintf("SELECT COUNT(*) AS total FROM (%s) AS count_subquery", base)
	countRows, err := q.CachedQuery(ctx, "paginate_count", countStmt, params, q.opts.CountTTL)
	if err != nil {
		return PaginationResult{}, err
	}
	var total int64
	if len(countRows) > 0 {
		total, err = toInt64(countRows[0]["total"])
		if err != nil {
			return PaginationResult{}, fmt.Errorf("read row count: %w", err)
		}
	}

	pageStmt := fmt.Sprintf("%s LIMIT %d OFFSET %d", base, pageSize, (pageNumber-1)*pageSize)
	rows, err := q.CachedQuery(ctx, "paginate_page", pageStmt, params, q.opts.PageTTL)
	if err != nil {
		return PaginationResult{}, err
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return PaginationResult{
		Rows:        rows,
		CurrentPage: pageNumber,
		PageSize:    pageSize,
		TotalCount:  total,
		TotalPages:  totalPages,
		HasPrevious: pageNumber > 1,
		HasNext:     pageNumber < totalPages,
	}, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		return int64(f), err
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	default:
		return 0, fmt.Errorf("unexpected count type %T", v)
	}
}
