package api

import (
	"time"

	"prism-tasks/domain"
)

// TaskResponse is the wire form of a task.
type TaskResponse struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Status    string   `json:"status"`
	Priority  int      `json:"priority"`
	DueDate   *string  `json:"dueDate,omitempty"`
	Tags      []string `json:"tags"`
	Version   int      `json:"version"`
	CreatedAt string   `json:"createdAt"`
	UpdatedAt string   `json:"updatedAt"`
}

// TaskPageResponse is the wire form of a list result.
type TaskPageResponse struct {
	Items    []TaskResponse `json:"items"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"pageSize"`
}

func toTaskResponse(t domain.Task) TaskResponse {
	out := TaskResponse{
		ID:        t.ID,
		Title:     t.Title,
		Status:    string(t.Status),
		Priority:  t.Priority,
		Tags:      append(make([]string, 0, len(t.Tags)), t.Tags...),
		Version:   t.Version,
		CreatedAt: formatTime(t.CreatedAt),
		UpdatedAt: formatTime(t.UpdatedAt),
	}
	if t.DueDate != nil {
		d := formatTime(*t.DueDate)
		out.DueDate = &d
	}
	return out
}

func toPageResponse(p domain.TaskPage) TaskPageResponse {
	items := make([]TaskResponse, 0, len(p.Items))
	for _, t := range p.Items {
		items = append(items, toTaskResponse(t))
	}
	return TaskPageResponse{Items: items, Total: p.Total, Page: p.Page, PageSize: p.PageSize}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
