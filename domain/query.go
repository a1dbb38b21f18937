package domain

import (
	"cmp"
	"sort"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// SortField names a sortable task attribute.
type SortField string

const (
	SortCreatedAt SortField = "createdAt"
	SortUpdatedAt SortField = "updatedAt"
	SortDueDate   SortField = "dueDate"
	SortPriority  SortField = "priority"
	SortTitle     SortField = "title"
)

// SortOrder is the direction of a sort.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

const (
	DefaultPage      = 1
	DefaultPageSize  = 25
	MaxPageSize      = 100
	MaxSearchLength  = 200
	listCacheKeyPref = "tasks:list:"
)

// ListQuery filters, sorts and paginates tasks. Nil means "not provided".
type ListQuery struct {
	Status    *Status
	Tag       *string
	Search    *string
	SortBy    *SortField
	SortOrder *SortOrder
	Page      *int
	PageSize  *int
}

// Normalize trims free-text filters, turns empty values into absent ones and
// fills in the page, page size and sort order defaults.
func (q ListQuery) Normalize() ListQuery {
	out := ListQuery{
		Status: q.Status,
		SortBy: q.SortBy,
		Tag:    trimmedOrNil(q.Tag),
		Search: trimmedOrNil(q.Search),
	}
	if out.Status != nil && strings.TrimSpace(string(*out.Status)) == "" {
		out.Status = nil
	}
	if out.SortBy != nil && strings.TrimSpace(string(*out.SortBy)) == "" {
		out.SortBy = nil
	}

	order := SortAsc
	if q.SortOrder != nil && strings.TrimSpace(string(*q.SortOrder)) != "" {
		order = SortOrder(strings.ToLower(strings.TrimSpace(string(*q.SortOrder))))
	}
	out.SortOrder = &order

	page := DefaultPage
	if q.Page != nil {
		page = *q.Page
	}
	out.Page = &page

	size := DefaultPageSize
	if q.PageSize != nil {
		size = *q.PageSize
	}
	out.PageSize = &size
	return out
}

type queryRules struct {
	Status    string `json:"status" validate:"omitempty,oneof=todo doing done"`
	Tag       string `json:"tag" validate:"max=32"`
	Search    string `json:"search" validate:"max=200"`
	SortBy    string `json:"sortBy" validate:"omitempty,oneof=createdAt updatedAt dueDate priority title"`
	SortOrder string `json:"sortOrder" validate:"oneof=asc desc"`
	Page      int    `json:"page" validate:"min=1"`
	PageSize  int    `json:"pageSize" validate:"min=1,max=100"`
}

// Check validates a normalized query.
func (q ListQuery) Check() error {
	r := queryRules{
		SortOrder: string(q.Order()),
		Page:      q.PageNumber(),
		PageSize:  q.Size(),
	}
	if q.Status != nil {
		r.Status = string(*q.Status)
	}
	if q.Tag != nil {
		r.Tag = *q.Tag
	}
	if q.Search != nil {
		r.Search = *q.Search
	}
	if q.SortBy != nil {
		r.SortBy = string(*q.SortBy)
	}
	errs := &ValidationError{}
	checkStruct(errs, r)
	return errs.orNil()
}

// Field returns the sort field, defaulting to creation time.
func (q ListQuery) Field() SortField {
	if q.SortBy == nil {
		return SortCreatedAt
	}
	return *q.SortBy
}

// Order returns the sort direction, defaulting to ascending.
func (q ListQuery) Order() SortOrder {
	if q.SortOrder == nil {
		return SortAsc
	}
	return *q.SortOrder
}

// PageNumber returns the 1-based page.
func (q ListQuery) PageNumber() int {
	if q.Page == nil {
		return DefaultPage
	}
	return *q.Page
}

// Size returns the page size.
func (q ListQuery) Size() int {
	if q.PageSize == nil {
		return DefaultPageSize
	}
	return *q.PageSize
}

// Offset is the number of matching tasks skipped before the page starts.
func (q ListQuery) Offset() int {
	return (q.PageNumber() - 1) * q.Size()
}

type cacheKeyFields struct {
	Status    *Status    `json:"status"`
	Tag       *string    `json:"tag"`
	Search    *string    `json:"search"`
	SortBy    *SortField `json:"sortBy"`
	SortOrder *SortOrder `json:"sortOrder"`
	Page      *int       `json:"page"`
	PageSize  *int       `json:"pageSize"`
}

// CacheKey serializes the query's fields in a fixed order with null for
// absent values. Call it on a normalized query.
func (q ListQuery) CacheKey() string {
	data, err := sonic.Marshal(cacheKeyFields(q))
	if err != nil {
		// Only reachable if the codec itself is broken; fall back to a positional form.
		return listCacheKeyPref + strings.Join([]string{
			ptrString(q.Status), ptrString(q.Tag), ptrString(q.Search), ptrString(q.SortBy),
			ptrString(q.SortOrder), strconv.Itoa(q.PageNumber()), strconv.Itoa(q.Size()),
		}, "|")
	}
	return listCacheKeyPref + string(data)
}

// Matches reports whether t passes the query's filters.
func (q ListQuery) Matches(t Task) bool {
	if q.Status != nil && t.Status != *q.Status {
		return false
	}
	if q.Tag != nil && !t.HasTag(*q.Tag) {
		return false
	}
	if q.Search != nil && !strings.Contains(strings.ToLower(t.Title), strings.ToLower(*q.Search)) {
		return false
	}
	return true
}

// Apply filters, sorts and paginates tasks in memory. Backends without native
// query support use it.
func (q ListQuery) Apply(tasks []Task) TaskPage {
	matched := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if q.Matches(t) {
			matched = append(matched, t.Clone())
		}
	}
	SortTasks(matched, q.Field(), q.Order())

	total := len(matched)
	start := min(q.Offset(), total)
	end := min(start+q.Size(), total)
	return TaskPage{
		Items:    matched[start:end],
		Total:    total,
		Page:     q.PageNumber(),
		PageSize: q.Size(),
	}
}

// SortTasks orders tasks by field and direction. Tasks without a due date sort
// last when sorting by due date, and ties are broken by ascending id.
func SortTasks(tasks []Task, field SortField, order SortOrder) {
	desc := order == SortDesc
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if field == SortDueDate && (a.DueDate == nil) != (b.DueDate == nil) {
			return b.DueDate == nil
		}
		c := compareBy(a, b, field)
		if desc {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
		return a.ID < b.ID
	})
}

func compareBy(a, b Task, field SortField) int {
	switch field {
	case SortTitle:
		return strings.Compare(a.Title, b.Title)
	case SortPriority:
		return cmp.Compare(a.Priority, b.Priority)
	case SortUpdatedAt:
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case SortDueDate:
		if a.DueDate == nil || b.DueDate == nil {
			return 0
		}
		return a.DueDate.Compare(*b.DueDate)
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func ptrString[T ~string](p *T) string {
	if p == nil {
		return "null"
	}
	return string(*p)
}
