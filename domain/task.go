package domain

import "time"

// Status is the workflow state of a task.
type Status string

const (
	StatusTodo  Status = "todo"
	StatusDoing Status = "doing"
	StatusDone  Status = "done"
)

const (
	DefaultStatus   = StatusTodo
	DefaultPriority = 3

	MinPriority    = 1
	MaxPriority    = 5
	MaxTitleLength = 200
	MaxTags        = 20
	MaxTagLength   = 32
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusDoing, StatusDone:
		return true
	}
	return false
}

// Task is a single tracked item.
type Task struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Status    Status     `json:"status"`
	Priority  int        `json:"priority"`
	DueDate   *time.Time `json:"dueDate,omitempty"`
	Tags      []string   `json:"tags"`
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate the result freely.
func (t Task) Clone() Task {
	out := t
	if t.DueDate != nil {
		d := *t.DueDate
		out.DueDate = &d
	}
	out.Tags = append(make([]string, 0, len(t.Tags)), t.Tags...)
	return out
}

// HasTag reports whether the task carries tag exactly.
func (t Task) HasTag(tag string) bool {
	for _, v := range t.Tags {
		if v == tag {
			return true
		}
	}
	return false
}

// TaskPage is one page of list results.
type TaskPage struct {
	Items    []Task `json:"items"`
	Total    int    `json:"total"`
	Page     int    `json:"page"`
	PageSize int    `json:"pageSize"`
}

// Clone copies every task in the page.
func (p TaskPage) Clone() TaskPage {
	out := p
	out.Items = make([]Task, len(p.Items))
	for i, t := range p.Items {
		out.Items[i] = t.Clone()
	}
	return out
}
