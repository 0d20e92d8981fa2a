package controlplane

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestEstimatePaginatedTotal(t *testing.T) {
	cases := []struct {
		name             string
		limit, offset, n int
		want             int64
	}{
		{"short page means no more", 50, 0, 3, 3},
		{"full page implies at least one more", 2, 0, 2, 3},
		{"mid-listing full page", 10, 20, 10, 31},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := estimatePaginatedTotal(tc.limit, tc.offset, tc.n); got != tc.want {
				t.Errorf("estimatePaginatedTotal(%d,%d,%d) = %d, want %d", tc.limit, tc.offset, tc.n, got, tc.want)
			}
		})
	}
}

func TestWritePaginatedListHasMoreAndNextOffset(t *testing.T) {
	rec := httptest.NewRecorder()
	writePaginatedList(rec, 2, 0, 2, 5, []int{1, 2})

	var resp paginatedListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Pagination.HasMore {
		t.Fatalf("expected HasMore=true")
	}
	if resp.Pagination.NextOffset == nil || *resp.Pagination.NextOffset != 2 {
		t.Fatalf("expected NextOffset=2, got %v", resp.Pagination.NextOffset)
	}
}

func TestWritePaginatedListLastPageHasNoNextOffset(t *testing.T) {
	rec := httptest.NewRecorder()
	writePaginatedList(rec, 50, 0, 3, 3, []int{1, 2, 3})

	var resp paginatedListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Pagination.HasMore {
		t.Fatalf("expected HasMore=false on the last page")
	}
	if resp.Pagination.NextOffset != nil {
		t.Fatalf("expected no NextOffset on the last page, got %v", *resp.Pagination.NextOffset)
	}
}
