package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// go test -v --run TestQueryHistory
func TestQueryHistory(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != historyPath {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[
			{"timestamp":120000,"open":2,"high":3,"low":1,"close":2.5,"volume":10},
			{"timestamp":60000,"open":1,"high":2,"low":0.5,"close":2,"volume":7},
			{"timestamp":null,"open":1,"high":1,"low":1,"close":1,"volume":1}
		],"has_more":true}`))
	}))
	defer srv.Close()

	client := NewRESTClient(srv.URL, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.UnixMilli(0)
	end := time.UnixMilli(3_600_000)
	resp, err := client.QueryHistory(ctx, HistoryQuery{
		Symbol:    "BTCUSD",
		Interval:  Interval1Min,
		StartTime: start,
		EndTime:   end,
		Page:      1,
		PageSize:  100,
	})
	if err != nil {
		t.Fatalf("QueryHistory returned error: %v", err)
	}

	want := map[string]string{
		"symbol":     "BTCUSD",
		"interval":   "1m",
		"start_time": "0",
		"end_time":   "3600000",
		"page":       "1",
		"page_size":  "100",
	}
	for k, v := range want {
		if gotQuery[k] != v {
			t.Errorf("query %s: got %q, want %q", k, gotQuery[k], v)
		}
	}

	if !resp.HasMore {
		t.Error("expected has_more to be true")
	}
	if len(resp.Data) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(resp.Data))
	}
	if resp.Data[0].Timestamp == nil || *resp.Data[0].Timestamp != 120000 {
		t.Errorf("unexpected first timestamp: %v", resp.Data[0].Timestamp)
	}
	if resp.Data[2].Timestamp != nil {
		t.Errorf("expected null timestamp to decode as nil, got %v", *resp.Data[2].Timestamp)
	}
}

// go test -v --run TestQueryHistoryStatusError
func TestQueryHistoryStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewRESTClient(srv.URL, 5*time.Second)
	_, err := client.QueryHistory(context.Background(), HistoryQuery{
		Symbol:   "BTCUSD",
		Interval: Interval5Min,
		Page:     1,
		PageSize: 100,
	})
	if err == nil {
		t.Fatal("expected error for non-200 status, got nil")
	}
}
