package scanlist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SinkRequest is one row delivery. Values are aligned to Columns.
type SinkRequest struct {
	URL           string
	Columns       []string
	Values        []string
	Timestamp     time.Time
	CorrelationID string
}

type Sink interface {
	Send(ctx context.Context, req SinkRequest) Outcome
}

type SinkOptions struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPSink posts rows to a webhook. Retries are off by default; re-drive is
// the normal way to retry a failed row.
type HTTPSink struct {
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPSink(opts SinkOptions) *HTTPSink {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &HTTPSink{
		httpClient: httpClient,
		timeout:    timeout,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

type sinkBody struct {
	Timestamp string     `json:"timestamp"`
	Data      orderedMap `json:"data"`
}

// orderedMap encodes as a JSON object whose keys keep column order.
type orderedMap []Pair

func (m orderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, pair := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(pair.Key)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(pair.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func buildSinkBody(req SinkRequest) ([]byte, error) {
	data := make(orderedMap, len(req.Columns))
	for i, column := range req.Columns {
		value := ""
		if i < len(req.Values) {
			value = req.Values[i]
		}
		data[i] = Pair{Key: column, Value: value}
	}
	stamp := req.Timestamp
	if stamp.IsZero() {
		stamp = time.Now()
	}
	return json.Marshal(sinkBody{
		Timestamp: stamp.UTC().Format(time.RFC3339Nano),
		Data:      data,
	})
}

func (c *HTTPSink) Send(ctx context.Context, req SinkRequest) Outcome {
	if strings.TrimSpace(req.URL) == "" {
		return Skipped(ReasonNoSink)
	}
	body, err := buildSinkBody(req)
	if err != nil {
		return Failed(ReasonNetwork)
	}
	for attempt := 0; ; attempt++ {
		outcome, retryAfter, retryable := c.attempt(ctx, req, body)
		if !retryable || attempt >= c.maxRetries {
			return outcome
		}
		if sleepContext(ctx, c.retryDelay(attempt+1, retryAfter)) != nil {
			return outcome
		}
	}
}

func (c *HTTPSink) attempt(ctx context.Context, req SinkRequest, body []byte) (Outcome, string, bool) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return Failed(ReasonNetwork), "", false
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.CorrelationID != "" {
		httpReq.Header.Set("X-Correlation-Id", req.CorrelationID)
	}
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return Failed(ReasonTimeout), "", true
		}
		return Failed(ReasonNetwork), "", ctx.Err() == nil
	}
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return Failed(httpFailureReason(resp.StatusCode)), resp.Header.Get("Retry-After"), retryable
	}
	if readErr != nil {
		if isTimeout(readErr) {
			return Failed(ReasonTimeout), "", true
		}
		// The status line already confirmed acceptance.
		return Delivered(), "", false
	}
	return classifySinkBody(respBody), "", false
}

// classifySinkBody treats only an explicit negative signal in a 2xx body as
// a rejection. Empty, unparseable or unfamiliar bodies count as delivered.
func classifySinkBody(body []byte) Outcome {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Delivered()
	}
	if trimmed[0] == '{' {
		var parsed map[string]any
		if json.Unmarshal(trimmed, &parsed) != nil {
			return Delivered()
		}
		for _, key := range []string{"success", "ok"} {
			if value, ok := parsed[key]; ok && isFalseValue(value) {
				return Failed(ReasonRejected)
			}
		}
		for _, key := range []string{"status", "result"} {
			if value, ok := parsed[key].(string); ok && isFailureWord(value) {
				return Failed(ReasonRejected)
			}
		}
		return Delivered()
	}
	if trimmed[0] == '[' || trimmed[0] == '"' {
		return Delivered()
	}
	lower := strings.ToLower(string(trimmed))
	if strings.HasPrefix(lower, "error") || strings.HasPrefix(lower, "fail") {
		return Failed(ReasonRejected)
	}
	return Delivered()
}

func isFalseValue(value any) bool {
	switch v := value.(type) {
	case bool:
		return !v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "false")
	default:
		return false
	}
}

func isFailureWord(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "error", "failed", "failure":
		return true
	default:
		return false
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *HTTPSink) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
