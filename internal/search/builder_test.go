package search

import (
	"strings"
	"testing"
	"time"
)

func TestBuildQueryNoFilters(t *testing.T) {
	query, countQuery, args, countArgs, err := BuildQuery(Filter{})
	if err != nil {
		t.Fatalf("BuildQuery: %v", err)
	}
	if strings.Contains(query, "WHERE") || strings.Contains(countQuery, "WHERE") {
		t.Error("query should not have WHERE clause with no filters")
	}
	if len(args) != 2 {
		t.Errorf("args count = %d, want 2 (limit, offset)", len(args))
	}
	if len(countArgs) != 0 {
		t.Errorf("count args = %v, want none", countArgs)
	}
}

func TestBuildQueryQueueAndState(t *testing.T) {
	query, _, args, _, err := BuildQuery(Filter{Queue: "emails", State: []string{"wait", "delayed"}})
	if err != nil {
		t.Fatalf("BuildQuery: %v", err)
	}
	if !strings.Contains(query, "j.queue = ?") || !strings.Contains(query, "j.state IN (?, ?)") {
		t.Fatalf("query missing queue/state filters: %s", query)
	}
	if args[0] != "emails" || args[1] != "waiting" || args[2] != "delayed" {
		t.Fatalf("args = %v", args[:3])
	}
}

func TestBuildQueryParentRequiresQueue(t *testing.T) {
	if _, _, _, _, err := BuildQuery(Filter{ParentID: "7"}); err == nil {
		t.Fatal("expected error for parent_id without parent_queue")
	}
	query, _, args, _, err := BuildQuery(Filter{ParentQueue: "parents", ParentID: "7"})
	if err != nil {
		t.Fatalf("BuildQuery: %v", err)
	}
	if !strings.Contains(query, "j.parent_queue = ? AND j.parent_id = ?") {
		t.Fatalf("query should filter on parent: %s", query)
	}
	if args[0] != "parents" || args[1] != "7" {
		t.Fatalf("args = %v", args)
	}
}

func TestBuildQueryTimeRangeUsesMirrorLayout(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 5, time.UTC)
	query, _, args, _, err := BuildQuery(Filter{FinishedAfter: &at})
	if err != nil {
		t.Fatalf("BuildQuery: %v", err)
	}
	if !strings.Contains(query, "j.finished_on > ?") {
		t.Fatalf("query should have finished_on filter: %s", query)
	}
	if args[0] != "2024-03-01T12:00:00.000000005Z" {
		t.Fatalf("time arg = %v", args[0])
	}
}

func TestBuildQuerySortOrder(t *testing.T) {
	query, _, _, _, err := BuildQuery(Filter{Sort: "priority", Order: "asc"})
	if err != nil {
		t.Fatalf("BuildQuery: %v", err)
	}
	if !strings.Contains(query, "ORDER BY j.priority ASC, j.seq ASC") {
		t.Fatalf("unexpected order clause: %s", query)
	}
	if _, _, _, _, err := BuildQuery(Filter{Sort: "payload"}); err == nil {
		t.Fatal("expected error for unknown sort column")
	}
}

func TestBuildQueryPagination(t *testing.T) {
	_, _, args, _, _ := BuildQuery(Filter{Limit: 25, Cursor: EncodeCursor(50)})
	if args[len(args)-2] != 25 {
		t.Errorf("limit = %v, want 25", args[len(args)-2])
	}
	if args[len(args)-1] != 50 {
		t.Errorf("offset = %v, want 50", args[len(args)-1])
	}
	_, _, args, _, _ = BuildQuery(Filter{Limit: 5000})
	if args[len(args)-2] != defaultLimit {
		t.Errorf("oversized limit = %v, want %d", args[len(args)-2], defaultLimit)
	}
}

func TestDecodeCursorInvalid(t *testing.T) {
	if DecodeCursor("invalid-cursor") != 0 {
		t.Error("DecodeCursor of invalid cursor should return 0")
	}
}

func TestTranslateDataJQ(t *testing.T) {
	cases := []struct {
		expr   string
		clause string
		args   []any
	}{
		{`.user.id == 42`, "CAST(json_extract(j.data, ?) AS REAL) = ?", []any{"$.user.id", 42.0}},
		{`.region != "eu"`, "CAST(json_extract(j.data, ?) AS TEXT) != ?", []any{"$.region", "eu"}},
		{`.urgent == true`, "CAST(json_extract(j.data, ?) AS INTEGER) = ?", []any{"$.urgent", 1}},
		{`.owner == null`, "json_extract(j.data, ?) IS NULL", []any{"$.owner"}},
		{`.email | startswith("ops")`, "CAST(json_extract(j.data, ?) AS TEXT) LIKE ? || '%'", []any{"$.email", "ops"}},
		{`.items | length >= 3`, "COALESCE(json_array_length(json_extract(j.data, ?)), 0) >= ?", []any{"$.items", 3}},
	}
	for _, tc := range cases {
		clause, args, err := translateDataJQ(tc.expr)
		if err != nil {
			t.Fatalf("translateDataJQ(%q): %v", tc.expr, err)
		}
		if clause != tc.clause {
			t.Errorf("%q clause = %q, want %q", tc.expr, clause, tc.clause)
		}
		if len(args) != len(tc.args) {
			t.Fatalf("%q args = %v, want %v", tc.expr, args, tc.args)
		}
		for i := range args {
			if args[i] != tc.args[i] {
				t.Errorf("%q arg %d = %v, want %v", tc.expr, i, args[i], tc.args[i])
			}
		}
	}
}

func TestTranslateDataJQRejects(t *testing.T) {
	for _, expr := range []string{`.a > null`, `.a == nope`, `map(.a)`} {
		if _, _, err := translateDataJQ(expr); err == nil {
			t.Errorf("translateDataJQ(%q) should fail", expr)
		}
	}
}
