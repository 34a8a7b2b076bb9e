package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/chatrelay/internal/memory"
	"github.com/ent0n29/chatrelay/internal/reliability"
)

// Client talks to a session actor served over HTTP (see the /internal/sessions routes).
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type historyPayload struct {
	History []memory.Turn `json:"history"`
	Summary string        `json:"summary"`
}

type appendPayload struct {
	Turns []memory.Turn `json:"turns"`
	Key   string        `json:"key,omitempty"`
}

type summaryPayload struct {
	Summary string `json:"summary"`
}

func (c *Client) Read(ctx context.Context, sessionID string) (memory.Record, error) {
	var out historyPayload
	if err := c.call(ctx, http.MethodGet, sessionID, "history", nil, &out); err != nil {
		return memory.Record{}, err
	}
	if out.History == nil {
		out.History = []memory.Turn{}
	}
	return memory.Record{History: out.History, Summary: out.Summary}, nil
}

func (c *Client) Append(ctx context.Context, sessionID string, turns ...memory.Turn) error {
	return c.AppendOnce(ctx, sessionID, "", turns...)
}

// AppendOnce sends key along with the turns so a retried request whose first attempt
// landed is not applied twice.
func (c *Client) AppendOnce(ctx context.Context, sessionID, key string, turns ...memory.Turn) error {
	if err := validateTurns(turns); err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}
	return c.call(ctx, http.MethodPost, sessionID, "append", appendPayload{Turns: turns, Key: key}, nil)
}

func (c *Client) SetSummary(ctx context.Context, sessionID, summary string) error {
	return c.call(ctx, http.MethodPost, sessionID, "set-summary", summaryPayload{Summary: summary}, nil)
}

func (c *Client) Reset(ctx context.Context, sessionID string) error {
	return c.call(ctx, http.MethodPost, sessionID, "reset", nil, nil)
}

func (c *Client) call(ctx context.Context, method, sessionID, op string, in, out any) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidSessionID
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	endpoint := c.baseURL + "/internal/sessions/" + url.PathEscape(sessionID) + "/" + op
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		if reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return fmt.Errorf("%w: %s status %d: %s", ErrTransient, op, res.StatusCode, strings.TrimSpace(string(detail)))
		}
		return fmt.Errorf("session actor %s status %d: %s", op, res.StatusCode, strings.TrimSpace(string(detail)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrTransient, op, err)
	}
	return nil
}
