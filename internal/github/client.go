// Package github is the source-control API client used by the PR monitor,
// the branch reaper, and cache merge confirmation.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"agentdeck/internal/httputil"
)

const defaultBaseURL = "https://api.github.com"

// Client calls the GitHub REST API through the shared bounded HTTP client.
type Client struct {
	token   string
	baseURL string
	http    *httputil.Client
}

func NewClient(token string, hc *httputil.Client) *Client {
	return &Client{token: token, baseURL: defaultBaseURL, http: hc}
}

// NewClientWithBaseURL is used by tests to point at a fake API.
func NewClientWithBaseURL(token, baseURL string, hc *httputil.Client) *Client {
	return &Client{token: token, baseURL: baseURL, http: hc}
}

// HasCredentials reports whether a token is configured.
func (c *Client) HasCredentials() bool {
	return c.token != ""
}

type PullRequest struct {
	Number         int    `json:"number"`
	NodeID         string `json:"node_id"`
	Title          string `json:"title"`
	HTMLURL        string `json:"html_url"`
	State          string `json:"state"`
	Draft          bool   `json:"draft"`
	Merged         bool   `json:"merged"`
	Mergeable      *bool  `json:"mergeable"`
	MergeableState string `json:"mergeable_state"`
	User           Actor  `json:"user"`
	Head           Ref    `json:"head"`
}

type Actor struct {
	Login string `json:"login"`
}

type Ref struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

type CheckRun struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

type Comment struct {
	ID        int64  `json:"id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

type PRFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

type Branch struct {
	Name      string `json:"name"`
	Protected bool   `json:"protected"`
	Commit    struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

type Commit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Author    CommitIdentity `json:"author"`
		Committer CommitIdentity `json:"committer"`
	} `json:"commit"`
}

type CommitIdentity struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Date  string `json:"date"`
}

type ReactionSummary struct {
	TotalCount int `json:"total_count"`
	PlusOne    int `json:"+1"`
	Eyes       int `json:"eyes"`
}

// ListOpenPRs returns the repository's open pull requests. When author is
// non-empty only PRs opened by that login are returned; the pulls API has
// no author filter, so this is applied client-side.
func (c *Client) ListOpenPRs(ctx context.Context, owner, repo, author string) ([]PullRequest, error) {
	var prs []PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls?state=open&per_page=100", owner, repo)
	if err := c.get(ctx, path, &prs); err != nil {
		return nil, fmt.Errorf("list open PRs: %w", err)
	}
	if author == "" {
		return prs, nil
	}
	out := prs[:0]
	for _, pr := range prs {
		if pr.User.Login == author {
			out = append(out, pr)
		}
	}
	return out, nil
}

// GetPR fetches full PR detail, including mergeability and head SHA.
func (c *Client) GetPR(ctx context.Context, owner, repo string, number int) (PullRequest, error) {
	var pr PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	if err := c.get(ctx, path, &pr); err != nil {
		return PullRequest{}, fmt.Errorf("get PR #%d: %w", number, err)
	}
	return pr, nil
}

var prURLRe = regexp.MustCompile(`github\.com/([^/]+)/([^/]+)/pull/(\d+)`)

// GetPRByURL resolves a PR HTML URL to its detail record. Used to confirm
// whether a session's output PR has been merged.
func (c *Client) GetPRByURL(ctx context.Context, prURL string) (PullRequest, error) {
	m := prURLRe.FindStringSubmatch(prURL)
	if len(m) < 4 {
		return PullRequest{}, fmt.Errorf("unrecognized PR URL: %s", prURL)
	}
	number, err := strconv.Atoi(m[3])
	if err != nil {
		return PullRequest{}, fmt.Errorf("unrecognized PR URL: %s", prURL)
	}
	return c.GetPR(ctx, m[1], m[2], number)
}

// ListCheckRuns returns the check runs for a commit ref.
func (c *Client) ListCheckRuns(ctx context.Context, owner, repo, ref string) ([]CheckRun, error) {
	var out struct {
		CheckRuns []CheckRun `json:"check_runs"`
	}
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/check-runs?per_page=100", owner, repo, url.PathEscape(ref))
	if err := c.get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("list check runs for %s: %w", ref, err)
	}
	return out.CheckRuns, nil
}

// ListFailedWorkflowRuns returns ids of failed workflow runs for a head SHA.
func (c *Client) ListFailedWorkflowRuns(ctx context.Context, owner, repo, headSHA string) ([]int64, error) {
	var out struct {
		WorkflowRuns []struct {
			ID int64 `json:"id"`
		} `json:"workflow_runs"`
	}
	path := fmt.Sprintf("/repos/%s/%s/actions/runs?head_sha=%s&status=failure&per_page=50",
		owner, repo, url.QueryEscape(headSHA))
	if err := c.get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("list failed workflow runs: %w", err)
	}
	ids := make([]int64, 0, len(out.WorkflowRuns))
	for _, r := range out.WorkflowRuns {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// RerunFailedJobs triggers a rerun of the failed jobs in a workflow run.
func (c *Client) RerunFailedJobs(ctx context.Context, owner, repo string, runID int64) error {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/rerun-failed-jobs", owner, repo, runID)
	if err := c.do(ctx, "POST", path, struct{}{}, nil, http.StatusCreated, http.StatusOK); err != nil {
		return fmt.Errorf("rerun workflow run %d: %w", runID, err)
	}
	return nil
}

// ListComments returns the PR's issue comments, oldest first.
func (c *Client) ListComments(ctx context.Context, owner, repo string, number int) ([]Comment, error) {
	var comments []Comment
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments?per_page=100", owner, repo, number)
	if err := c.get(ctx, path, &comments); err != nil {
		return nil, fmt.Errorf("list comments on #%d: %w", number, err)
	}
	return comments, nil
}

// CreateComment posts an issue comment on the PR.
func (c *Client) CreateComment(ctx context.Context, owner, repo string, number int, body string) (Comment, error) {
	var created Comment
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	payload := map[string]string{"body": body}
	if err := c.do(ctx, "POST", path, payload, &created, http.StatusCreated); err != nil {
		return Comment{}, fmt.Errorf("create comment on #%d: %w", number, err)
	}
	return created, nil
}

// ListPRFiles returns the changed files of a PR.
func (c *Client) ListPRFiles(ctx context.Context, owner, repo string, number int) ([]PRFile, error) {
	var files []PRFile
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/files?per_page=100", owner, repo, number)
	if err := c.get(ctx, path, &files); err != nil {
		return nil, fmt.Errorf("list files of #%d: %w", number, err)
	}
	return files, nil
}

// MarkReadyForReview flips a draft PR to ready. The REST update endpoint
// has no draft parameter, so this goes through the GraphQL mutation; the
// node id comes from the PR detail record.
func (c *Client) MarkReadyForReview(ctx context.Context, nodeID string) error {
	const mutation = `mutation($id: ID!) { markPullRequestReadyForReview(input: {pullRequestId: $id}) { pullRequest { isDraft } } }`
	if err := c.graphql(ctx, mutation, map[string]any{"id": nodeID}); err != nil {
		return fmt.Errorf("mark PR ready for review: %w", err)
	}
	return nil
}

// graphql posts one GraphQL request and surfaces any reported error. The
// GraphQL endpoint returns 200 even when the mutation fails, so the
// errors array is the real status.
func (c *Client) graphql(ctx context.Context, query string, variables map[string]any) error {
	payload := map[string]any{"query": query, "variables": variables}
	var out struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := c.do(ctx, "POST", "/graphql", payload, &out); err != nil {
		return err
	}
	if len(out.Errors) > 0 {
		return fmt.Errorf("graphql: %s", out.Errors[0].Message)
	}
	return nil
}

// MergePR merges the PR with the squash method.
func (c *Client) MergePR(ctx context.Context, owner, repo string, number int) error {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", owner, repo, number)
	payload := map[string]string{"merge_method": "squash"}
	if err := c.do(ctx, "PUT", path, payload, nil, http.StatusOK); err != nil {
		return fmt.Errorf("merge #%d: %w", number, err)
	}
	return nil
}

// DefaultBranch returns the repository's default branch name.
func (c *Client) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	var out struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/%s", owner, repo), &out); err != nil {
		return "", fmt.Errorf("get repo %s/%s: %w", owner, repo, err)
	}
	return out.DefaultBranch, nil
}

// ListBranches returns the repository's branches with protection flags.
func (c *Client) ListBranches(ctx context.Context, owner, repo string) ([]Branch, error) {
	var branches []Branch
	path := fmt.Sprintf("/repos/%s/%s/branches?per_page=100", owner, repo)
	if err := c.get(ctx, path, &branches); err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	return branches, nil
}

// GetCommit fetches a commit's author/committer identities and dates.
func (c *Client) GetCommit(ctx context.Context, owner, repo, sha string) (Commit, error) {
	var commit Commit
	path := fmt.Sprintf("/repos/%s/%s/commits/%s", owner, repo, url.PathEscape(sha))
	if err := c.get(ctx, path, &commit); err != nil {
		return Commit{}, fmt.Errorf("get commit %s: %w", sha, err)
	}
	return commit, nil
}

// DeleteBranch deletes a branch ref. A branch that is already gone (404,
// or 422 "reference does not exist") counts as success.
func (c *Client) DeleteBranch(ctx context.Context, owner, repo, branch string) error {
	path := fmt.Sprintf("/repos/%s/%s/git/refs/heads/%s", owner, repo, url.PathEscape(branch))
	resp, err := c.http.Do(ctx, c.buildReq(ctx, "DELETE", path, nil), httputil.DefaultRetryConfig())
	if err != nil {
		return fmt.Errorf("delete branch %s: %w", branch, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotFound, http.StatusUnprocessableEntity:
		return nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("delete branch %s: HTTP %d: %s", branch, resp.StatusCode, string(msg))
	}
}

// CommentReactions returns the reaction summary on an issue comment.
func (c *Client) CommentReactions(ctx context.Context, owner, repo string, commentID int64) (ReactionSummary, error) {
	var reactions []struct {
		Content string `json:"content"`
	}
	path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d/reactions?per_page=100", owner, repo, commentID)
	if err := c.get(ctx, path, &reactions); err != nil {
		return ReactionSummary{}, fmt.Errorf("list reactions on comment %d: %w", commentID, err)
	}
	var summary ReactionSummary
	for _, r := range reactions {
		summary.TotalCount++
		switch r.Content {
		case "+1":
			summary.PlusOne++
		case "eyes":
			summary.Eyes++
		}
	}
	return summary, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, "GET", path, nil, out, http.StatusOK)
}

// do performs one API call with retry and decodes the JSON response.
// okStatuses lists the statuses treated as success (default 200).
func (c *Client) do(ctx context.Context, method, path string, payload, out any, okStatuses ...int) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	resp, err := c.http.Do(ctx, c.buildReq(ctx, method, path, body), httputil.DefaultRetryConfig())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if len(okStatuses) == 0 {
		okStatuses = []int{http.StatusOK}
	}
	ok := false
	for _, s := range okStatuses {
		if resp.StatusCode == s {
			ok = true
			break
		}
	}
	if !ok {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("github API %d: %s", resp.StatusCode, string(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) buildReq(ctx context.Context, method, path string, body []byte) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/vnd.github+json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	}
}
