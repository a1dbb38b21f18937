package api

import (
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"prism-tasks/domain"
)

func TestToTaskResponse(t *testing.T) {
	due := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	resp := toTaskResponse(domain.Task{
		ID:        "t1",
		Title:     "write docs",
		Status:    domain.StatusDoing,
		Priority:  2,
		DueDate:   &due,
		Version:   3,
		CreatedAt: time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2024, 4, 2, 8, 0, 0, 0, time.UTC),
	})
	if resp.DueDate == nil || *resp.DueDate != "2024-05-01T10:00:00Z" {
		t.Fatalf("due date must be rendered in UTC, got %v", resp.DueDate)
	}
	if resp.Tags == nil || resp.Status != "doing" || resp.CreatedAt != "2024-04-01T08:00:00Z" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestEmptyPageRendersEmptyItems(t *testing.T) {
	data, err := sonic.Marshal(toPageResponse(domain.TaskPage{Page: 1, PageSize: 25}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"items":[]`) {
		t.Fatalf("expected empty items array, got %s", data)
	}
}
