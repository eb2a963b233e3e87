package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/user/flowq/internal/search"
)

// SearchResult is the search response returned to callers.
type SearchResult struct {
	Jobs       []JobSummary `json:"jobs"`
	Total      int          `json:"total"`
	Cursor     string       `json:"cursor,omitempty"`
	HasMore    bool         `json:"has_more"`
	DurationMs int64        `json:"duration_ms"`
}

// JobSummary is a job row of the SQLite mirror.
type JobSummary struct {
	Queue                string          `json:"queue"`
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	State                State           `json:"state"`
	Data                 json.RawMessage `json:"data,omitempty"`
	Priority             int             `json:"priority"`
	Parent               *JobKey         `json:"parent,omitempty"`
	ChildCount           int             `json:"child_count"`
	UnresolvedChildCount int             `json:"unresolved_child_count"`
	AttemptsMade         int             `json:"attempts_made"`
	MaxAttempts          int             `json:"max_attempts"`
	FailedReason         string          `json:"failed_reason,omitempty"`
	ReturnValue          json.RawMessage `json:"return_value,omitempty"`
	CreatedAt            string          `json:"created_at"`
	ProcessedOn          *string         `json:"processed_on,omitempty"`
	FinishedOn           *string         `json:"finished_on,omitempty"`
}

// SearchJobs executes a search query against the SQLite mirror.
func (s *Store) SearchJobs(filter search.Filter) (*SearchResult, error) {
	if s.sqliteR == nil {
		return nil, NewStoreUnavailable("search requires the sqlite mirror")
	}
	start := time.Now()

	query, countQuery, args, countArgs, err := search.BuildQuery(filter)
	if err != nil {
		return nil, NewValidationError(fmt.Sprintf("build search query: %v", err))
	}

	var total int
	if err := s.sqliteR.QueryRow(countQuery, countArgs...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count search results: %w", err)
	}

	rows, err := s.sqliteR.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("search jobs: %w", err)
	}
	defer rows.Close()

	jobs := []JobSummary{}
	for rows.Next() {
		var (
			j                       JobSummary
			state                   string
			data, returnValue       sql.NullString
			parentQueue, parentID   sql.NullString
			failedReason            sql.NullString
			processedOn, finishedOn sql.NullString
		)
		err := rows.Scan(
			&j.Queue, &j.ID, &j.Name, &state, &data, &j.Priority,
			&parentQueue, &parentID, &j.ChildCount, &j.UnresolvedChildCount,
			&j.AttemptsMade, &j.MaxAttempts, &failedReason, &returnValue,
			&j.CreatedAt, &processedOn, &finishedOn,
		)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.State = State(state)
		if data.Valid && data.String != "" {
			j.Data = json.RawMessage(data.String)
		}
		if returnValue.Valid {
			j.ReturnValue = json.RawMessage(returnValue.String)
		}
		if parentQueue.Valid && parentID.Valid {
			j.Parent = &JobKey{Queue: parentQueue.String, ID: parentID.String}
		}
		j.FailedReason = failedReason.String
		if processedOn.Valid {
			j.ProcessedOn = &processedOn.String
		}
		if finishedOn.Valid {
			j.FinishedOn = &finishedOn.String
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	offset := 0
	if filter.Cursor != "" {
		offset = search.DecodeCursor(filter.Cursor)
	}

	nextOffset := offset + len(jobs)
	hasMore := nextOffset < total
	var cursor string
	if hasMore {
		cursor = search.EncodeCursor(nextOffset)
	}

	return &SearchResult{
		Jobs:       jobs,
		Total:      total,
		Cursor:     cursor,
		HasMore:    hasMore,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}
