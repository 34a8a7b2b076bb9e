package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPOptions configures an HTTPAdapter.
type HTTPOptions struct {
	URL      string
	APIToken string
	Model    string
	// Timeout bounds complete (non-streaming) calls. Streams are not time-bounded.
	Timeout time.Duration
}

// HTTPAdapter posts {model, messages, stream} to a model endpoint and understands JSON,
// SSE, NDJSON and plain-text replies.
type HTTPAdapter struct {
	url          string
	token        string
	model        string
	client       *http.Client
	streamClient *http.Client
}

func NewHTTPAdapter(opts HTTPOptions) *HTTPAdapter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPAdapter{
		url:          strings.TrimSpace(opts.URL),
		token:        strings.TrimSpace(opts.APIToken),
		model:        strings.TrimSpace(opts.Model),
		client:       &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}
}

type chatPayload struct {
	Model    string `json:"model,omitempty"`
	Messages any    `json:"messages"`
	Stream   bool   `json:"stream"`
}

func (a *HTTPAdapter) Complete(ctx context.Context, req Request) (Result, error) {
	res, err := a.send(ctx, a.client, req, false)
	if err != nil {
		return Result{}, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read response: %v", ErrUpstream, err)
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return Result{Text: strings.TrimSpace(string(body))}, nil
	}
	if msg := upstreamError(obj); msg != "" {
		return Result{}, fmt.Errorf("%w: %s", ErrUpstream, msg)
	}
	return Result{Text: ExtractReply(obj)}, nil
}

func (a *HTTPAdapter) Stream(ctx context.Context, req Request) (Stream, error) {
	res, err := a.send(ctx, a.streamClient, req, true)
	if err != nil {
		return nil, err
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/event-stream"):
		return newLineStream(res.Body, true), nil
	case strings.Contains(ct, "application/x-ndjson"):
		return newLineStream(res.Body, false), nil
	case strings.Contains(ct, "application/json"):
		defer res.Body.Close()
		var obj map[string]any
		if err := json.NewDecoder(res.Body).Decode(&obj); err != nil {
			return nil, fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
		}
		if msg := upstreamError(obj); msg != "" {
			return nil, fmt.Errorf("%w: %s", ErrUpstream, msg)
		}
		return NewSliceStream(ExtractReply(obj)), nil
	default:
		return &rawStream{body: res.Body, buf: make([]byte, 4096)}, nil
	}
}

func (a *HTTPAdapter) send(ctx context.Context, client *http.Client, req Request, stream bool) (*http.Response, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	payload, err := json.Marshal(chatPayload{Model: model, Messages: req.Messages, Stream: stream})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.token)
	}
	if req.ExchangeID != "" {
		httpReq.Header.Set("X-Request-Id", req.ExchangeID)
	}

	res, err := client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: send request: %v", ErrUpstream, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return res, nil
}

// upstreamError picks an error message out of an {"error": ...} or {"errors": [...]} body.
func upstreamError(obj map[string]any) string {
	switch v := obj["error"].(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v["message"].(string); ok {
			return s
		}
		return "unknown error"
	}
	if errs, ok := obj["errors"].([]any); ok && len(errs) > 0 {
		if success, ok := obj["success"].(bool); ok && success {
			return ""
		}
		if m, ok := errs[0].(map[string]any); ok {
			if s, ok := m["message"].(string); ok {
				return s
			}
		}
		return "unknown error"
	}
	return ""
}

// lineStream decodes SSE (data: lines) or NDJSON bodies. Lines that do not parse are
// dropped so one malformed fragment cannot abort the reply.
type lineStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	sse     bool
	done    bool
}

func newLineStream(body io.ReadCloser, sse bool) *lineStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &lineStream{body: body, scanner: scanner, sse: sse}
}

func (s *lineStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if s.sse {
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			continue
		}
		if msg := upstreamError(obj); msg != "" {
			s.done = true
			return "", fmt.Errorf("%w: %s", ErrUpstream, msg)
		}
		if delta := ExtractDelta(obj); delta != "" {
			return delta, nil
		}
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("%w: stream read: %v", ErrUpstream, err)
	}
	return "", io.EOF
}

func (s *lineStream) Close() error {
	return s.body.Close()
}

// rawStream relays a plain-text body chunk by chunk.
type rawStream struct {
	body io.ReadCloser
	buf  []byte
}

func (s *rawStream) Recv() (string, error) {
	for {
		n, err := s.body.Read(s.buf)
		if n > 0 {
			return string(s.buf[:n]), nil
		}
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("%w: stream read: %v", ErrUpstream, err)
		}
	}
}

func (s *rawStream) Close() error {
	return s.body.Close()
}
