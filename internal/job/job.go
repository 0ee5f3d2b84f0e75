package job

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

// Statuses lists the three queues in display order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted}

var ErrInvalidStatus = errors.New("jobsync: invalid job status")

// ParseStatus maps a wire status onto one of the three queues.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "submitted", "new":
		return StatusPending, nil
	case "processing", "in_progress", "in-progress", "taken":
		return StatusProcessing, nil
	case "completed", "complete", "done":
		return StatusCompleted, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted:
		return true
	}
	return false
}

// Job is one unit of work as the portal sees it. Fields the engine does not
// know about are kept in Extra and written back unchanged by MarshalJSON.
type Job struct {
	ID                 string
	ServiceSlug        string
	Status             Status
	Email              string
	RegistrationNumber string
	Assignee           map[string]any
	CreatedAt          time.Time

	Extra map[string]json.RawMessage
}

var knownFields = []string{"id", "service_slug", "status", "email", "registration_number", "assignee", "created_at"}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000000Z",
	"2006-01-02 15:04:05",
}

// Normalize decodes one backend payload. fallback is used when the payload
// carries no status (newly submitted jobs arrive without one).
func Normalize(data []byte, fallback Status) (Job, error) {
	return normalize(data, fallback, statusStrict)
}

// NormalizeIn decodes a payload read from the status list. The list is
// authoritative, so the payload's own status field is not consulted.
func NormalizeIn(data []byte, status Status) (Job, error) {
	return normalize(data, status, statusListed)
}

// NormalizeUpdate decodes a partial update. A status outside the known
// aliases leaves Status empty so the job stays in its current list.
func NormalizeUpdate(data []byte) (Job, error) {
	return normalize(data, "", statusLenient)
}

// statusMode says how normalize treats the payload's status field.
type statusMode int

const (
	statusStrict statusMode = iota
	statusListed
	statusLenient
)

func normalize(data []byte, fallback Status, mode statusMode) (Job, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if raw == nil {
		return Job{}, errors.New("decode job: payload is null")
	}

	j := Job{Status: fallback}

	id, err := decodeID(raw["id"])
	if err != nil {
		return Job{}, fmt.Errorf("decode job id: %w", err)
	}
	j.ID = id
	j.ServiceSlug = decodeString(raw["service_slug"])
	j.Email = decodeString(raw["email"])
	j.RegistrationNumber = decodeString(raw["registration_number"])

	if s := decodeString(raw["status"]); s != "" && mode != statusListed {
		st, err := ParseStatus(s)
		switch {
		case err == nil:
			j.Status = st
		case mode == statusStrict:
			return Job{}, err
		}
	}

	assignee := raw["assignee"]
	if isNull(assignee) {
		assignee = raw["user"]
	}
	if !isNull(assignee) {
		var a map[string]any
		if err := json.Unmarshal(assignee, &a); err == nil {
			j.Assignee = a
		}
	}

	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		if isKnown(k) {
			continue
		}
		extra[k] = v
	}

	if s := decodeString(raw["created_at"]); s != "" {
		if t, ok := parseTime(s); ok {
			j.CreatedAt = t
		} else {
			extra["created_at"] = raw["created_at"]
		}
	}

	if len(extra) > 0 {
		j.Extra = extra
	}
	return j, nil
}

// Validate reports whether the job carries the fields needed to address it.
func (j Job) Validate() error {
	if j.ID == "" {
		return errors.New("missing id")
	}
	if j.ServiceSlug == "" {
		return errors.New("missing service_slug")
	}
	return nil
}

// Field returns a pass-through attribute by name.
func (j Job) Field(name string) (json.RawMessage, bool) {
	v, ok := j.Extra[name]
	return v, ok
}

// Clone returns a copy that shares no maps with j.
func (j Job) Clone() Job {
	out := j
	if j.Assignee != nil {
		out.Assignee = make(map[string]any, len(j.Assignee))
		for k, v := range j.Assignee {
			out.Assignee[k] = v
		}
	}
	if j.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(j.Extra))
		for k, v := range j.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Matches reports whether q appears in any of the searchable attributes.
// An empty query matches everything.
func (j Job) Matches(q string) bool {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return true
	}

	candidates := []string{j.Email, j.RegistrationNumber, string(j.Status)}
	if name, ok := j.Assignee["name"].(string); ok {
		candidates = append(candidates, name)
	}
	if raw, ok := j.Field("service"); ok {
		var svc struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(raw, &svc) == nil {
			candidates = append(candidates, svc.Name)
		}
	}

	for _, c := range candidates {
		if strings.Contains(strings.ToLower(c), q) {
			return true
		}
	}
	return false
}

func (j Job) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(j.Extra)+len(knownFields))
	for k, v := range j.Extra {
		out[k] = v
	}
	out["id"] = j.ID
	out["service_slug"] = j.ServiceSlug
	out["status"] = j.Status
	out["email"] = j.Email
	out["registration_number"] = j.RegistrationNumber
	out["assignee"] = j.Assignee
	if !j.CreatedAt.IsZero() {
		out["created_at"] = j.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

func (j *Job) UnmarshalJSON(data []byte) error {
	parsed, err := Normalize(data, StatusPending)
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}

func decodeID(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	raw = bytes.TrimSpace(raw)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

func decodeString(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func isKnown(k string) bool {
	for _, f := range knownFields {
		if k == f {
			return true
		}
	}
	return false
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
