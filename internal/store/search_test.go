package store_test

import (
	"encoding/json"
	"testing"

	"github.com/user/flowq/internal/search"
	"github.com/user/flowq/internal/store"
)

func TestSearchJobsFromMirror(t *testing.T) {
	s, _ := testStore(t)

	for _, region := range []string{"eu", "us", "eu"} {
		data := json.RawMessage(`{"region":"` + region + `"}`)
		if _, err := s.Add("mail", "send", data, store.JobOptions{}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	mustAdd(t, s, "other", "noop", store.JobOptions{})

	res, err := s.SearchJobs(search.Filter{Queue: "mail", DataJQ: `.region == "eu"`, Sort: "seq", Order: "asc"})
	if err != nil {
		t.Fatalf("SearchJobs: %v", err)
	}
	if res.Total != 2 || len(res.Jobs) != 2 {
		t.Fatalf("total=%d jobs=%d, want 2", res.Total, len(res.Jobs))
	}
	if res.Jobs[0].ID != "1" || res.Jobs[1].ID != "3" {
		t.Fatalf("ids = %s,%s, want 1,3", res.Jobs[0].ID, res.Jobs[1].ID)
	}
	if res.Jobs[0].State != store.StateWaiting || res.Jobs[0].Name != "send" {
		t.Fatalf("unexpected summary: %+v", res.Jobs[0])
	}
}

func TestSearchJobsPaginatesAndTracksState(t *testing.T) {
	s, _ := testStore(t)
	for i := 0; i < 3; i++ {
		mustAdd(t, s, "q", "work", store.JobOptions{})
	}
	mustComplete(t, s, mustClaim(t, s, "q"), `"ok"`)

	page, err := s.SearchJobs(search.Filter{Queue: "q", Limit: 2, Sort: "seq", Order: "asc"})
	if err != nil {
		t.Fatalf("SearchJobs: %v", err)
	}
	if !page.HasMore || page.Cursor == "" || len(page.Jobs) != 2 {
		t.Fatalf("first page = %+v", page)
	}
	next, err := s.SearchJobs(search.Filter{Queue: "q", Limit: 2, Sort: "seq", Order: "asc", Cursor: page.Cursor})
	if err != nil {
		t.Fatalf("SearchJobs page 2: %v", err)
	}
	if next.HasMore || len(next.Jobs) != 1 {
		t.Fatalf("second page = %+v", next)
	}

	done, err := s.SearchJobs(search.Filter{Queue: "q", State: []string{"completed"}})
	if err != nil {
		t.Fatalf("SearchJobs completed: %v", err)
	}
	if done.Total != 1 || string(done.Jobs[0].ReturnValue) != `"ok"` || done.Jobs[0].FinishedOn == nil {
		t.Fatalf("completed search = %+v", done)
	}
}

func TestSearchJobsRejectsBadFilter(t *testing.T) {
	s, _ := testStore(t)
	_, err := s.SearchJobs(search.Filter{DataJQ: "map(.x)"})
	if !store.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
