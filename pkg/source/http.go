package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/arpitnath/rag-queue-autoscale/pkg/utils"
	"github.com/go-jose/go-jose/v4/json"
)

// maxBody bounds how much of a response is read.
const maxBody = 64 << 10

// HTTP reads the backlog from an endpoint answering GET with either a bare
// integer or a JSON object carrying it under "backlog".
type HTTP struct {
	client *http.Client
	url    string
}

func NewHTTP(client *http.Client, url string) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{client: client, url: url}
}

func (s *HTTP) ReadBacklog(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("GET %s: status %d", s.url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return 0, fmt.Errorf("GET %s: %w", s.url, err)
	}
	n, err := parseBacklog(bytes.TrimSpace(body))
	if err != nil {
		return 0, fmt.Errorf("GET %s: %w", s.url, err)
	}
	return n, nil
}

func (s *HTTP) String() string { return "http:" + s.url }

func parseBacklog(body []byte) (int64, error) {
	if len(body) == 0 {
		return 0, fmt.Errorf("empty body")
	}
	if body[0] == '{' {
		var payload struct {
			Backlog *int64 `json:"backlog"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return 0, fmt.Errorf("decode body: %w", err)
		}
		if payload.Backlog == nil {
			return 0, fmt.Errorf(`body has no "backlog" field`)
		}
		return checkNonNegative(*payload.Backlog)
	}
	n, err := strconv.ParseInt(string(body), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("body is not an integer: %w", err)
	}
	return checkNonNegative(n)
}

func checkNonNegative(n int64) (int64, error) {
	if n < 0 {
		return 0, fmt.Errorf("negative backlog %d", n)
	}
	return n, nil
}
