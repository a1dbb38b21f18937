package domain

import (
	"errors"
	"testing"
	"time"
)

func TestListQueryNormalizeDefaults(t *testing.T) {
	q := ListQuery{Search: strPtr("   "), Tag: strPtr(" x ")}.Normalize()
	if q.Search != nil {
		t.Fatalf("blank search should be absent")
	}
	if q.Tag == nil || *q.Tag != "x" {
		t.Fatalf("tag not trimmed: %v", q.Tag)
	}
	if q.PageNumber() != 1 || q.Size() != 25 || q.Order() != SortAsc || q.Field() != SortCreatedAt {
		t.Fatalf("unexpected defaults: %#v", q)
	}
}

func TestCacheKey(t *testing.T) {
	got := ListQuery{}.Normalize().CacheKey()
	want := `tasks:list:{"status":null,"tag":null,"search":null,"sortBy":null,"sortOrder":"asc","page":1,"pageSize":25}`
	if got != want {
		t.Fatalf("CacheKey() = %s, want %s", got, want)
	}

	desc := SortDesc
	a := ListQuery{Search: strPtr(" foo"), SortOrder: &desc}.Normalize().CacheKey()
	b := ListQuery{Search: strPtr("foo "), SortOrder: &desc, PageSize: intPtr(25)}.Normalize().CacheKey()
	if a != b {
		t.Fatalf("equivalent queries produced different keys: %s vs %s", a, b)
	}
	c := ListQuery{Search: strPtr("foo"), Page: intPtr(2)}.Normalize().CacheKey()
	if a == c {
		t.Fatalf("distinct queries share key %s", a)
	}
}

func TestListQueryCheck(t *testing.T) {
	badSort := SortField("owner")
	badOrder := SortOrder("up")
	badStatus := Status("blocked")
	cases := []struct {
		name  string
		q     ListQuery
		field string
	}{
		{"sortBy", ListQuery{SortBy: &badSort}, "sortBy"},
		{"sortOrder", ListQuery{SortOrder: &badOrder}, "sortOrder"},
		{"status", ListQuery{Status: &badStatus}, "status"},
		{"page", ListQuery{Page: intPtr(0)}, "page"},
		{"pageSize", ListQuery{PageSize: intPtr(0)}, "pageSize"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.q.Normalize().Check()
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Fields[0].Field != c.field {
				t.Fatalf("expected %s error, got %v", c.field, err)
			}
		})
	}
	upper := SortOrder("DESC")
	if err := (ListQuery{SortOrder: &upper}).Normalize().Check(); err != nil {
		t.Fatalf("sort order should be case-insensitive: %v", err)
	}
}

func sampleTasks() []Task {
	day := func(d int) *time.Time {
		v := time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
		return &v
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return []Task{
		{ID: "a", Title: "Write report", Status: StatusTodo, Priority: 2, DueDate: day(5), Tags: []string{"work"}, CreatedAt: base},
		{ID: "b", Title: "buy milk", Status: StatusDone, Priority: 4, Tags: []string{"home"}, CreatedAt: base.Add(time.Hour)},
		{ID: "c", Title: "Review REPORT", Status: StatusDoing, Priority: 4, DueDate: day(2), Tags: []string{"work", "urgent"}, CreatedAt: base.Add(2 * time.Hour)},
		{ID: "d", Title: "call mom", Status: StatusTodo, Priority: 1, Tags: []string{}, CreatedAt: base.Add(3 * time.Hour)},
	}
}

func ids(p TaskPage) []string {
	out := make([]string, len(p.Items))
	for i, t := range p.Items {
		out[i] = t.ID
	}
	return out
}

func TestListQueryApply(t *testing.T) {
	todo := StatusTodo
	byDue := SortDueDate
	byPriority := SortPriority
	desc := SortDesc
	cases := []struct {
		name  string
		q     ListQuery
		want  []string
		total int
	}{
		{"default order", ListQuery{}, []string{"a", "b", "c", "d"}, 4},
		{"status", ListQuery{Status: &todo}, []string{"a", "d"}, 2},
		{"tag", ListQuery{Tag: strPtr("work")}, []string{"a", "c"}, 2},
		{"tag is case sensitive", ListQuery{Tag: strPtr("Work")}, []string{}, 0},
		{"search ignores case", ListQuery{Search: strPtr("report")}, []string{"a", "c"}, 2},
		{"due date asc nulls last", ListQuery{SortBy: &byDue}, []string{"c", "a", "b", "d"}, 4},
		{"due date desc nulls last", ListQuery{SortBy: &byDue, SortOrder: &desc}, []string{"a", "c", "b", "d"}, 4},
		{"priority desc ties by id", ListQuery{SortBy: &byPriority, SortOrder: &desc}, []string{"b", "c", "a", "d"}, 4},
		{"second page", ListQuery{Page: intPtr(2), PageSize: intPtr(3)}, []string{"d"}, 4},
		{"past the end", ListQuery{Page: intPtr(5), PageSize: intPtr(3)}, []string{}, 4},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			page := c.q.Normalize().Apply(sampleTasks())
			got := ids(page)
			if len(got) != len(c.want) {
				t.Fatalf("got %v, want %v", got, c.want)
			}
			for i := range got {
				if got[i] != c.want[i] {
					t.Fatalf("got %v, want %v", got, c.want)
				}
			}
			if page.Total != c.total {
				t.Fatalf("total = %d, want %d", page.Total, c.total)
			}
			if page.Items == nil {
				t.Fatalf("items must never be nil")
			}
		})
	}
}
