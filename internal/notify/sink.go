package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pilot-net/healthmon/pkg/types"
)

// Sink delivers a rendered alert to one kind of external system.
// ch.Config has already had secret references resolved.
type Sink interface {
	Type() types.ChannelType
	Deliver(ctx context.Context, ch *types.NotificationChannel, msg *Message) error
}

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 512

// decodeConfig maps a channel config onto a typed struct.
func decodeConfig[T any](cfg map[string]any) (T, error) {
	var v T
	if len(cfg) == 0 {
		return v, nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("invalid channel config: %w", err)
	}
	return v, nil
}

// stringList accepts either "a,b" or ["a","b"] in channel config.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*l = nil
		for _, s := range strings.Split(one, ",") {
			if s = strings.TrimSpace(s); s != "" {
				*l = append(*l, s)
			}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// send issues a request and treats any non-2xx status as an error.
func send(ctx context.Context, client *http.Client, method, url string, body []byte, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "healthmon/1.0")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(respBody)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, fmt.Errorf("API error: status %d, body: %s", resp.StatusCode, snippet)
	}
	return respBody, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, header http.Header) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Type", "application/json")
	return send(ctx, client, http.MethodPost, url, body, header)
}
