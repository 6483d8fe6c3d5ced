package presence

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPQuerier(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/rpc/active_count":
			if r.Method != http.MethodPost {
				http.Error(w, "method", http.StatusMethodNotAllowed)
				return
			}
			w.Write([]byte(`{"count": 12}`))
		case "/presence/count":
			if r.URL.Query().Get("kind") != "driver" {
				http.Error(w, "kind", http.StatusBadRequest)
				return
			}
			w.Write([]byte(`{"count": 4}`))
		case "/presence":
			if r.URL.Query().Get("limit") != "3" {
				http.Error(w, "limit", http.StatusBadRequest)
				return
			}
			w.Write([]byte(`[{"id":"a","online":true},{"id":"b","online":false},{"id":"c","online":true}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	q, err := NewHTTPQuerier(HTTPQuerierConfig{BaseURL: srv.URL, APIKey: "sekrit"})
	if err != nil {
		t.Fatalf("new querier: %v", err)
	}
	ctx := context.Background()

	if n, err := q.AggregateCount(ctx, "driver"); err != nil || n != 12 {
		t.Fatalf("AggregateCount = %d, %v", n, err)
	}
	if n, err := q.DirectCount(ctx, "driver"); err != nil || n != 4 {
		t.Fatalf("DirectCount = %d, %v", n, err)
	}
	cands, err := q.FetchCandidates(ctx, "driver", 3)
	if err != nil {
		t.Fatalf("FetchCandidates: %v", err)
	}
	if len(cands) != 3 || !cands[0].Online || cands[1].Online {
		t.Fatalf("unexpected candidates: %+v", cands)
	}
}

func TestHTTPQuerierErrors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	q, err := NewHTTPQuerier(HTTPQuerierConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new querier: %v", err)
	}
	if _, err := q.AggregateCount(context.Background(), "driver"); err == nil {
		t.Fatal("expected error on 500")
	}
	if _, err := NewHTTPQuerier(HTTPQuerierConfig{}); err == nil {
		t.Fatal("expected error on empty base url")
	}
}
