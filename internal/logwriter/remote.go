package logwriter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"chatlog/internal/record"
)

// RemoteSink posts turns to the ingestion endpoint. Its client must not be
// routed through the capture interceptor; the endpoint path is excluded there too.
type RemoteSink struct {
	endpoint string
	client   *http.Client
}

func NewRemoteSink(endpoint string, client *http.Client) *RemoteSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RemoteSink{endpoint: endpoint, client: client}
}

type ingestResponse struct {
	OK    bool   `json:"ok"`
	Key   string `json:"key"`
	Error string `json:"error"`
}

func (s *RemoteSink) Emit(ctx context.Context, t record.Turn) error {
	body, err := json.Marshal(t)
	if err != nil {
		return errors.Wrap(err, "marshal turn")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build ingest request")
	}
	req.Header.Set("Content-Type", "application/json")
	if t.UserAgent != "" {
		req.Header.Set("User-Agent", t.UserAgent)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post turn")
	}
	defer resp.Body.Close()
	var out ingestResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out)
	if resp.StatusCode != http.StatusOK || !out.OK {
		return errors.Errorf("ingest rejected turn: status %d: %s", resp.StatusCode, out.Error)
	}
	return nil
}
