// Package agentapi is the client for the remote coding-agent session API.
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"agentdeck/internal/httputil"
)

// Client calls the session API. All requests funnel through the shared
// bounded HTTP client.
type Client struct {
	baseURL string
	apiKey  string
	http    *httputil.Client
}

func NewClient(baseURL, apiKey string, hc *httputil.Client) *Client {
	return &Client{baseURL: baseURL, apiKey: apiKey, http: hc}
}

// HasCredentials reports whether an API key is configured. Workers skip
// their tick (but still reschedule) when it is not.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// Session is a remote coding-agent session.
type Session struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	State      string    `json:"state"`
	CreateTime string    `json:"createTime"`
	UpdateTime string    `json:"updateTime"`
	FailReason string    `json:"failureReason,omitempty"`
	Outputs    []Output  `json:"outputs,omitempty"`
}

// Output is a session artifact; currently only pull requests appear here.
type Output struct {
	PullRequest *PullRequestRef `json:"pullRequest,omitempty"`
}

type PullRequestRef struct {
	URL string `json:"url"`
}

// PullRequestURL returns the session's PR output URL, or "".
func (s Session) PullRequestURL() string {
	for _, o := range s.Outputs {
		if o.PullRequest != nil && o.PullRequest.URL != "" {
			return o.PullRequest.URL
		}
	}
	return ""
}

// CreateSessionRequest describes a new session to launch.
type CreateSessionRequest struct {
	Prompt              string `json:"prompt"`
	Repo                string `json:"repo"`
	StartingBranch      string `json:"startingBranch"`
	RequirePlanApproval bool   `json:"requirePlanApproval"`
}

// Activity is one entry in a session's interaction feed, newest first.
type Activity struct {
	ID          string       `json:"id"`
	CreateTime  string       `json:"createTime"`
	UserMessage *UserMessage `json:"userMessage,omitempty"`
}

type UserMessage struct {
	Text string `json:"text"`
}

// ListSessions fetches one page of sessions, most recently created first.
// Returns the page and the token for the next one ("" when exhausted).
func (c *Client) ListSessions(ctx context.Context, pageSize int, pageToken string) ([]Session, string, error) {
	params := url.Values{}
	if pageSize > 0 {
		params.Set("pageSize", fmt.Sprintf("%d", pageSize))
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}
	var out struct {
		Sessions      []Session `json:"sessions"`
		NextPageToken string    `json:"nextPageToken"`
	}
	if err := c.do(ctx, "GET", "/v1/sessions?"+params.Encode(), nil, &out); err != nil {
		return nil, "", fmt.Errorf("list sessions: %w", err)
	}
	return out.Sessions, out.NextPageToken, nil
}

// GetSession fetches a single session by id.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var s Session
	if err := c.do(ctx, "GET", "/v1/sessions/"+url.PathEscape(id), nil, &s); err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

// CreateSession launches a new remote session.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error) {
	var s Session
	if err := c.do(ctx, "POST", "/v1/sessions", req, &s); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

// SendMessage posts an operator message into the session.
func (c *Client) SendMessage(ctx context.Context, id, text string) error {
	payload := map[string]string{"prompt": text}
	if err := c.do(ctx, "POST", "/v1/sessions/"+url.PathEscape(id)+":sendMessage", payload, nil); err != nil {
		return fmt.Errorf("send message to session %s: %w", id, err)
	}
	return nil
}

// ApprovePlan approves the session's pending plan.
func (c *Client) ApprovePlan(ctx context.Context, id string) error {
	if err := c.do(ctx, "POST", "/v1/sessions/"+url.PathEscape(id)+":approvePlan", struct{}{}, nil); err != nil {
		return fmt.Errorf("approve plan for session %s: %w", id, err)
	}
	return nil
}

// LatestUserMessage returns the text of the most recent operator-originated
// message in the session's activity feed, or "" when there is none. Used
// by automation rules to avoid re-sending the message they just sent.
func (c *Client) LatestUserMessage(ctx context.Context, id string) (string, error) {
	var out struct {
		Activities []Activity `json:"activities"`
	}
	path := "/v1/sessions/" + url.PathEscape(id) + "/activities?pageSize=30"
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return "", fmt.Errorf("list activities for session %s: %w", id, err)
	}
	for _, a := range out.Activities {
		if a.UserMessage != nil {
			return a.UserMessage.Text, nil
		}
	}
	return "", nil
}

// do performs one API call with retry, decoding a JSON response into out
// when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	resp, err := c.http.Do(ctx, func() (*http.Request, error) {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Api-Key", c.apiKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	}, httputil.DefaultRetryConfig())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("session API %d: %s", resp.StatusCode, string(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
