package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const historyPath = "/v1/history"

type RESTClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewRESTClient(baseURL string, timeout time.Duration) *RESTClient {
	return &RESTClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// QueryHistory fetches one page of historical candles for the query window.
func (c *RESTClient) QueryHistory(ctx context.Context, q HistoryQuery) (HistoryResponse, error) {
	u, err := url.Parse(c.baseURL + historyPath)
	if err != nil {
		return HistoryResponse{}, fmt.Errorf("parse url: %w", err)
	}

	params := u.Query()
	params.Set("symbol", q.Symbol)
	params.Set("interval", q.Interval.Meta().Label)
	params.Set("start_time", strconv.FormatInt(q.StartTime.UnixMilli(), 10))
	params.Set("end_time", strconv.FormatInt(q.EndTime.UnixMilli(), 10))
	params.Set("page", strconv.Itoa(q.Page))
	params.Set("page_size", strconv.Itoa(q.PageSize))
	u.RawQuery = params.Encode()

	// Construct the GET request with context for timeout/cancel support
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return HistoryResponse{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HistoryResponse{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return HistoryResponse{}, fmt.Errorf("history api error: status %d: %s", resp.StatusCode, body)
	}

	var out HistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return HistoryResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
