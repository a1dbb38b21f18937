package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"prism-tasks/domain"
)

const taskColumns = "id, title, status, priority, due_date, tags, version, created_at, updated_at"

var sortColumns = map[domain.SortField]string{
	domain.SortCreatedAt: "created_at",
	domain.SortUpdatedAt: "updated_at",
	domain.SortDueDate:   "due_date",
	domain.SortPriority:  "priority",
	domain.SortTitle:     `title COLLATE "C"`,
}

// Postgres stores tasks in the tasks table created by Migrate.
type Postgres struct {
	db *sqlx.DB
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Postgres{db: db}, nil
}

func NewPostgres(db *sqlx.DB) *Postgres { return &Postgres{db: db} }

// DB exposes the underlying handle for migrations.
func (p *Postgres) DB() *sql.DB { return p.db.DB }

func (p *Postgres) Close() error { return p.db.Close() }

type taskRow struct {
	ID        string         `db:"id"`
	Title     string         `db:"title"`
	Status    string         `db:"status"`
	Priority  int            `db:"priority"`
	DueDate   *time.Time     `db:"due_date"`
	Tags      pq.StringArray `db:"tags"`
	Version   int            `db:"version"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (r taskRow) task() domain.Task {
	t := domain.Task{
		ID:        r.ID,
		Title:     r.Title,
		Status:    domain.Status(r.Status),
		Priority:  r.Priority,
		Tags:      append([]string{}, r.Tags...),
		Version:   r.Version,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if r.DueDate != nil {
		due := r.DueDate.UTC()
		t.DueDate = &due
	}
	return t
}

func (p *Postgres) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.Title, string(t.Status), t.Priority, t.DueDate, pq.StringArray(t.Tags), t.Version, t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *Postgres) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	var row taskRow
	err := p.db.GetContext(ctx, &row, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := row.task()
	return &t, nil
}

// UpdateTask writes t only if the row still carries expectedVersion.
func (p *Postgres) UpdateTask(ctx context.Context, t domain.Task, expectedVersion int) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE tasks SET title = $1, status = $2, priority = $3, due_date = $4, tags = $5, version = $6, updated_at = $7 WHERE id = $8 AND version = $9`,
		t.Title, string(t.Status), t.Priority, t.DueDate, pq.StringArray(t.Tags), t.Version, t.UpdatedAt, t.ID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var current int
	err = p.db.GetContext(ctx, &current, `SELECT version FROM tasks WHERE id = $1`, t.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return &domain.ConflictError{ID: t.ID, Expected: expectedVersion, Current: current}
}

func (p *Postgres) DeleteTask(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (p *Postgres) ListTasks(ctx context.Context, q domain.ListQuery) (domain.TaskPage, error) {
	where, args := listFilter(q)

	var total int
	if err := p.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM tasks`+where, args...); err != nil {
		return domain.TaskPage{}, fmt.Errorf("count tasks: %w", err)
	}

	col, ok := sortColumns[q.Field()]
	if !ok {
		col = sortColumns[domain.SortCreatedAt]
	}
	dir := "ASC"
	if q.Order() == domain.SortDesc {
		dir = "DESC"
	}
	n := len(args)
	query := `SELECT ` + taskColumns + ` FROM tasks` + where +
		` ORDER BY ` + col + ` ` + dir + ` NULLS LAST, id ASC` +
		` LIMIT $` + strconv.Itoa(n+1) + ` OFFSET $` + strconv.Itoa(n+2)
	args = append(args, q.Size(), q.Offset())

	var rows []taskRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return domain.TaskPage{}, fmt.Errorf("select tasks: %w", err)
	}
	items := make([]domain.Task, len(rows))
	for i, r := range rows {
		items[i] = r.task()
	}
	return domain.TaskPage{Items: items, Total: total, Page: q.PageNumber(), PageSize: q.Size()}, nil
}

func listFilter(q domain.ListQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if q.Status != nil {
		args = append(args, string(*q.Status))
		conds = append(conds, "status = $"+strconv.Itoa(len(args)))
	}
	if q.Tag != nil {
		args = append(args, *q.Tag)
		conds = append(conds, "$"+strconv.Itoa(len(args))+" = ANY(tags)")
	}
	if q.Search != nil {
		args = append(args, "%"+escapeLike(*q.Search)+"%")
		conds = append(conds, "title ILIKE $"+strconv.Itoa(len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
