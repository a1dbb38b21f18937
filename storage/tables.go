package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"prism-tasks/domain"
)

const (
	tasksPartition = "tasks"
	edmInt64       = "Edm.Int64"
)

type tableClient interface {
	AddEntity(ctx context.Context, entity []byte, o *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	GetEntity(ctx context.Context, pk, rk string, o *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, o *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	DeleteEntity(ctx context.Context, pk, rk string, o *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	NewListEntitiesPager(o *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

// Tables stores tasks in a single Azure Table partition. Updates are
// conditioned on the entity ETag read alongside the version.
type Tables struct {
	table tableClient
}

// NewTables connects to the named table using an Azure Storage connection string.
func NewTables(connStr, table string) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Tables{table: svc.NewClient(table)}, nil
}

type taskEntity struct {
	PartitionKey  string  `json:"PartitionKey"`
	RowKey        string  `json:"RowKey"`
	Title         string  `json:"Title"`
	Status        string  `json:"Status"`
	Priority      int     `json:"Priority"`
	DueDate       *int64  `json:"DueDate,omitempty,string"`
	DueDateType   *string `json:"DueDate@odata.type,omitempty"`
	Tags          string  `json:"Tags"`
	Version       int     `json:"Version"`
	CreatedAt     int64   `json:"CreatedAt,string"`
	CreatedAtType string  `json:"CreatedAt@odata.type"`
	UpdatedAt     int64   `json:"UpdatedAt,string"`
	UpdatedAtType string  `json:"UpdatedAt@odata.type"`
}

func encodeTask(t domain.Task) ([]byte, error) {
	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return nil, err
	}
	ent := taskEntity{
		PartitionKey:  tasksPartition,
		RowKey:        t.ID,
		Title:         t.Title,
		Status:        string(t.Status),
		Priority:      t.Priority,
		Tags:          string(tags),
		Version:       t.Version,
		CreatedAt:     t.CreatedAt.UnixNano(),
		CreatedAtType: edmInt64,
		UpdatedAt:     t.UpdatedAt.UnixNano(),
		UpdatedAtType: edmInt64,
	}
	if t.DueDate != nil {
		due := t.DueDate.UnixNano()
		typ := edmInt64
		ent.DueDate = &due
		ent.DueDateType = &typ
	}
	return json.Marshal(ent)
}

func decodeTask(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:        ent.RowKey,
		Title:     ent.Title,
		Status:    domain.Status(ent.Status),
		Priority:  ent.Priority,
		Tags:      []string{},
		Version:   ent.Version,
		CreatedAt: time.Unix(0, ent.CreatedAt).UTC(),
		UpdatedAt: time.Unix(0, ent.UpdatedAt).UTC(),
	}
	if ent.Tags != "" {
		if err := json.Unmarshal([]byte(ent.Tags), &t.Tags); err != nil {
			return domain.Task{}, fmt.Errorf("decode tags of %s: %w", ent.RowKey, err)
		}
	}
	if ent.DueDate != nil {
		due := time.Unix(0, *ent.DueDate).UTC()
		t.DueDate = &due
	}
	return t, nil
}

func (s *Tables) InsertTask(ctx context.Context, t domain.Task) error {
	payload, err := encodeTask(t)
	if err != nil {
		return err
	}
	_, err = s.table.AddEntity(ctx, payload, nil)
	return err
}

func (s *Tables) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	t, _, err := s.load(ctx, id)
	return t, err
}

func (s *Tables) load(ctx context.Context, id string) (*domain.Task, azcore.ETag, error) {
	resp, err := s.table.GetEntity(ctx, tasksPartition, id, nil)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, "", nil
		}
		return nil, "", err
	}
	t, err := decodeTask(resp.Value)
	if err != nil {
		return nil, "", err
	}
	return &t, resp.ETag, nil
}

// UpdateTask replaces the entity only if its ETag is unchanged since the
// version was read, so a concurrent writer makes the update fail with 412.
func (s *Tables) UpdateTask(ctx context.Context, t domain.Task, expectedVersion int) error {
	cur, etag, err := s.load(ctx, t.ID)
	if err != nil {
		return err
	}
	if cur == nil {
		return domain.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return &domain.ConflictError{ID: t.ID, Expected: expectedVersion, Current: cur.Version}
	}
	payload, err := encodeTask(t)
	if err != nil {
		return err
	}
	_, err = s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
	switch statusCode(err) {
	case 0:
		return err
	case http.StatusPreconditionFailed:
		return fmt.Errorf("task %s changed concurrently: %w", t.ID, domain.ErrVersionConflict)
	case http.StatusNotFound:
		return domain.ErrNotFound
	}
	return err
}

func (s *Tables) DeleteTask(ctx context.Context, id string) error {
	_, err := s.table.DeleteEntity(ctx, tasksPartition, id, nil)
	if statusCode(err) == http.StatusNotFound {
		return domain.ErrNotFound
	}
	return err
}

// ListTasks filters by status on the server and applies the rest of the query locally.
func (s *Tables) ListTasks(ctx context.Context, q domain.ListQuery) (domain.TaskPage, error) {
	filter := "PartitionKey eq '" + tasksPartition + "'"
	if q.Status != nil && q.Status.Valid() {
		filter += " and Status eq '" + string(*q.Status) + "'"
	}
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return domain.TaskPage{}, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTask(e)
			if err != nil {
				return domain.TaskPage{}, err
			}
			tasks = append(tasks, t)
		}
	}
	return q.Apply(tasks), nil
}

// statusCode extracts the HTTP status from an Azure response error, or 0.
func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}
