package domain

import (
	"bytes"
	"strings"
	"time"
)

// CreateDraft is the caller-supplied input for a new task. Nil fields take
// their defaults.
type CreateDraft struct {
	Title    string     `json:"title"`
	Status   *Status    `json:"status,omitempty"`
	Priority *int       `json:"priority,omitempty"`
	DueDate  *time.Time `json:"dueDate,omitempty"`
	Tags     []string   `json:"tags,omitempty"`
}

// Build normalizes the draft, applies defaults and validates the result. The
// returned task has no identity, version or timestamps yet.
func (d CreateDraft) Build() (Task, error) {
	t := Task{
		Title:    strings.TrimSpace(d.Title),
		Status:   DefaultStatus,
		Priority: DefaultPriority,
		Tags:     []string{},
	}
	if d.Status != nil {
		t.Status = *d.Status
	}
	if d.Priority != nil {
		t.Priority = *d.Priority
	}
	if d.DueDate != nil {
		due := normalizeDue(*d.DueDate)
		t.DueDate = &due
	}
	if d.Tags != nil {
		t.Tags = NormalizeTags(d.Tags)
	}

	errs := &ValidationError{}
	checkVar(errs, "title", t.Title, titleRule)
	checkVar(errs, "status", string(t.Status), statusRule)
	checkVar(errs, "priority", t.Priority, priorityRule)
	checkVar(errs, "tags", t.Tags, tagsRule)
	return t, errs.orNil()
}

// UpdateDraft is a partial update gated by Version. Only non-nil fields (and
// DueDate when present in the payload) are applied.
type UpdateDraft struct {
	Version  *int         `json:"version"`
	Title    *string      `json:"title,omitempty"`
	Status   *Status      `json:"status,omitempty"`
	Priority *int         `json:"priority,omitempty"`
	DueDate  OptionalTime `json:"dueDate"`
	Tags     *[]string    `json:"tags,omitempty"`
}

// Check validates the version and every field present in the draft.
func (d UpdateDraft) Check() error {
	errs := &ValidationError{}
	if d.Version == nil {
		errs.add("version", "is required")
	}
	if d.Title != nil {
		checkVar(errs, "title", strings.TrimSpace(*d.Title), titleRule)
	}
	if d.Status != nil {
		checkVar(errs, "status", string(*d.Status), statusRule)
	}
	if d.Priority != nil {
		checkVar(errs, "priority", *d.Priority, priorityRule)
	}
	if d.Tags != nil {
		checkVar(errs, "tags", NormalizeTags(*d.Tags), tagsRule)
	}
	return errs.orNil()
}

// Apply returns a copy of t with the draft's fields applied. Version and
// timestamps are left to the caller.
func (d UpdateDraft) Apply(t Task) Task {
	out := t.Clone()
	if d.Title != nil {
		out.Title = strings.TrimSpace(*d.Title)
	}
	if d.Status != nil {
		out.Status = *d.Status
	}
	if d.Priority != nil {
		out.Priority = *d.Priority
	}
	if d.DueDate.Set {
		out.DueDate = nil
		if d.DueDate.Value != nil {
			due := normalizeDue(*d.DueDate.Value)
			out.DueDate = &due
		}
	}
	if d.Tags != nil {
		out.Tags = NormalizeTags(*d.Tags)
	}
	return out
}

// normalizeDue stores due dates in UTC at the microsecond precision every
// backend can round-trip.
func normalizeDue(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// OptionalTime distinguishes an absent field from an explicit null.
type OptionalTime struct {
	Set   bool
	Value *time.Time
}

// SetTime returns an OptionalTime holding t.
func SetTime(t time.Time) OptionalTime { return OptionalTime{Set: true, Value: &t} }

// ClearTime returns an OptionalTime that clears the field.
func ClearTime() OptionalTime { return OptionalTime{Set: true} }

func (o *OptionalTime) UnmarshalJSON(b []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		o.Value = nil
		return nil
	}
	var t time.Time
	if err := t.UnmarshalJSON(b); err != nil {
		return err
	}
	o.Value = &t
	return nil
}

func (o OptionalTime) MarshalJSON() ([]byte, error) {
	if o.Value == nil {
		return []byte("null"), nil
	}
	return o.Value.MarshalJSON()
}

// NormalizeTags trims every tag and drops duplicates, keeping the first
// occurrence. Comparison is case-sensitive.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
