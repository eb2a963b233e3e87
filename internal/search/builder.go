package search

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the fixed-width UTC layout of every timestamp column in the
// jobs mirror, so string comparison orders like time.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// Filter selects jobs from the SQLite mirror.
type Filter struct {
	Queue                string     `json:"queue,omitempty"`
	State                []string   `json:"state,omitempty"`
	Name                 string     `json:"name,omitempty"`
	PriorityMin          *int       `json:"priority_min,omitempty"`
	PriorityMax          *int       `json:"priority_max,omitempty"`
	ParentQueue          string     `json:"parent_queue,omitempty"`
	ParentID             string     `json:"parent_id,omitempty"`
	HasChildren          *bool      `json:"has_children,omitempty"`
	DataContains         string     `json:"data_contains,omitempty"`
	DataJQ               string     `json:"data_jq,omitempty"`
	CreatedAfter         *time.Time `json:"created_after,omitempty"`
	CreatedBefore        *time.Time `json:"created_before,omitempty"`
	ProcessedAfter       *time.Time `json:"processed_after,omitempty"`
	ProcessedBefore      *time.Time `json:"processed_before,omitempty"`
	FinishedAfter        *time.Time `json:"finished_after,omitempty"`
	FinishedBefore       *time.Time `json:"finished_before,omitempty"`
	AttemptMin           *int       `json:"attempt_min,omitempty"`
	AttemptMax           *int       `json:"attempt_max,omitempty"`
	FailedReasonContains string     `json:"failed_reason_contains,omitempty"`
	JobIDPrefix          string     `json:"job_id_prefix,omitempty"`
	Sort                 string     `json:"sort,omitempty"`
	Order                string     `json:"order,omitempty"`
	Cursor               string     `json:"cursor,omitempty"`
	Limit                int        `json:"limit,omitempty"`
}

// Columns is the select list matching BuildQuery's row shape.
const Columns = `j.queue, j.id, j.name, j.state, j.data, j.priority,
	j.parent_queue, j.parent_id, j.child_count, j.unresolved,
	j.attempts_made, j.max_attempts, j.failed_reason, j.return_value,
	j.created_at, j.processed_on, j.finished_on`

// BuildQuery constructs a SELECT query from the search filter.
func BuildQuery(f Filter) (query string, countQuery string, args []any, countArgs []any, err error) {
	var conditions []string
	var queryArgs []any

	if f.Queue != "" {
		conditions = append(conditions, "j.queue = ?")
		queryArgs = append(queryArgs, f.Queue)
	}

	if len(f.State) > 0 {
		placeholders := make([]string, len(f.State))
		for i, s := range f.State {
			if s == "wait" {
				s = "waiting"
			}
			placeholders[i] = "?"
			queryArgs = append(queryArgs, s)
		}
		conditions = append(conditions, fmt.Sprintf("j.state IN (%s)", strings.Join(placeholders, ", ")))
	}

	if f.Name != "" {
		conditions = append(conditions, "j.name = ?")
		queryArgs = append(queryArgs, f.Name)
	}
	if f.PriorityMin != nil {
		conditions = append(conditions, "j.priority >= ?")
		queryArgs = append(queryArgs, *f.PriorityMin)
	}
	if f.PriorityMax != nil {
		conditions = append(conditions, "j.priority <= ?")
		queryArgs = append(queryArgs, *f.PriorityMax)
	}

	if f.ParentID != "" {
		if f.ParentQueue == "" {
			return "", "", nil, nil, fmt.Errorf("parent_id requires parent_queue")
		}
		conditions = append(conditions, "j.parent_queue = ? AND j.parent_id = ?")
		queryArgs = append(queryArgs, f.ParentQueue, f.ParentID)
	} else if f.ParentQueue != "" {
		conditions = append(conditions, "j.parent_queue = ?")
		queryArgs = append(queryArgs, f.ParentQueue)
	}
	if f.HasChildren != nil {
		if *f.HasChildren {
			conditions = append(conditions, "j.child_count > 0")
		} else {
			conditions = append(conditions, "j.child_count = 0")
		}
	}

	if f.DataContains != "" {
		conditions = append(conditions, "j.data LIKE '%' || ? || '%'")
		queryArgs = append(queryArgs, f.DataContains)
	}
	if strings.TrimSpace(f.DataJQ) != "" {
		clause, args, err := translateDataJQ(strings.TrimSpace(f.DataJQ))
		if err != nil {
			return "", "", nil, nil, err
		}
		conditions = append(conditions, clause)
		queryArgs = append(queryArgs, args...)
	}

	addTimeFilter(&conditions, &queryArgs, "j.created_at", f.CreatedAfter, f.CreatedBefore)
	addTimeFilter(&conditions, &queryArgs, "j.processed_on", f.ProcessedAfter, f.ProcessedBefore)
	addTimeFilter(&conditions, &queryArgs, "j.finished_on", f.FinishedAfter, f.FinishedBefore)

	if f.AttemptMin != nil {
		conditions = append(conditions, "j.attempts_made >= ?")
		queryArgs = append(queryArgs, *f.AttemptMin)
	}
	if f.AttemptMax != nil {
		conditions = append(conditions, "j.attempts_made <= ?")
		queryArgs = append(queryArgs, *f.AttemptMax)
	}

	if f.FailedReasonContains != "" {
		conditions = append(conditions, "j.failed_reason LIKE '%' || ? || '%'")
		queryArgs = append(queryArgs, f.FailedReasonContains)
	}

	if f.JobIDPrefix != "" {
		conditions = append(conditions, "j.id LIKE ? || '%'")
		queryArgs = append(queryArgs, f.JobIDPrefix)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	sortCol := "j.created_at"
	switch f.Sort {
	case "", "created_at":
	case "priority":
		sortCol = "j.priority"
	case "processed_on":
		sortCol = "j.processed_on"
	case "finished_on":
		sortCol = "j.finished_on"
	case "attempts":
		sortCol = "j.attempts_made"
	case "seq":
		sortCol = "j.seq"
	default:
		return "", "", nil, nil, fmt.Errorf("unsupported sort %q", f.Sort)
	}

	order := "DESC"
	if f.Order == "asc" {
		order = "ASC"
	}

	limit := defaultLimit
	if f.Limit > 0 && f.Limit <= maxLimit {
		limit = f.Limit
	}

	offset := 0
	if f.Cursor != "" {
		offset = DecodeCursor(f.Cursor)
	}

	countQuery = fmt.Sprintf("SELECT COUNT(*) FROM jobs j %s", where)
	countArgs = make([]any, len(queryArgs))
	copy(countArgs, queryArgs)

	// seq breaks ties so pages stay stable.
	query = fmt.Sprintf(`
		SELECT %s
		FROM jobs j
		%s
		ORDER BY %s %s, j.seq %s
		LIMIT ? OFFSET ?
	`, Columns, where, sortCol, order, order)

	queryArgs = append(queryArgs, limit, offset)
	args = queryArgs

	return query, countQuery, args, countArgs, nil
}

// EncodeCursor encodes an offset as a base64 cursor.
func EncodeCursor(offset int) string {
	data, _ := json.Marshal(map[string]int{"offset": offset})
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeCursor decodes a base64 cursor to an offset.
func DecodeCursor(cursor string) int {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0
	}
	var m map[string]int
	if err := json.Unmarshal(data, &m); err != nil {
		return 0
	}
	if m["offset"] < 0 {
		return 0
	}
	return m["offset"]
}

func addTimeFilter(conditions *[]string, args *[]any, col string, after, before *time.Time) {
	if after != nil {
		*conditions = append(*conditions, col+" > ?")
		*args = append(*args, after.UTC().Format(TimeLayout))
	}
	if before != nil {
		*conditions = append(*conditions, col+" < ?")
		*args = append(*args, before.UTC().Format(TimeLayout))
	}
}
