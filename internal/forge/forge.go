// Package forge is the boundary to the code-forge provider: issue
// creation and webhook signature verification. Repository access,
// pull-request mechanics, and the coding agent's own git plumbing stay
// on the far side of this boundary; the package only covers what the
// review handler and the HTTP surface need to call through.
package forge

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
)

// IssueRequest is what cmd/api's /tasks/{id}/create-issue handler hands
// to Client.CreateIssue.
type IssueRequest struct {
	RepoID string
	Title  string
	Body   string
}

// IssueResult is the forge's response to a created issue.
type IssueResult struct {
	URL    string
	Number int
}

// Client is Darwin's narrow boundary to the code-forge provider.
type Client interface {
	CreateIssue(ctx context.Context, req IssueRequest) (IssueResult, error)
}

// RESTClient is a reference Client implementation against a generic
// git-forge REST API (path/payload shape compatible with GitHub- and
// Gitea-style issue endpoints), following the same plain
// http.Client-over-JSON convention as internal/embedding.Remote.
type RESTClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewRESTClient constructs a RESTClient against baseURL, authenticating
// with token as a bearer credential.
func NewRESTClient(baseURL, token string) *RESTClient {
	return &RESTClient{baseURL: baseURL, token: token, client: &http.Client{}}
}

type createIssueReq struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type createIssueResp struct {
	HTMLURL string `json:"html_url"`
	Number  int    `json:"number"`
}

// CreateIssue implements Client.
func (c *RESTClient) CreateIssue(ctx context.Context, in IssueRequest) (IssueResult, error) {
	body, err := json.Marshal(createIssueReq{Title: in.Title, Body: in.Body})
	if err != nil {
		return IssueResult{}, err
	}

	url := fmt.Sprintf("%s/repos/%s/issues", c.baseURL, in.RepoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return IssueResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return IssueResult{}, fmt.Errorf("forge: create issue: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return IssueResult{}, fmt.Errorf("forge: create issue: status %d", resp.StatusCode)
	}

	var out createIssueResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return IssueResult{}, fmt.Errorf("forge: create issue decode: %w", err)
	}
	return IssueResult{URL: out.HTMLURL, Number: out.Number}, nil
}

// VerifySignature checks that the header equals the hex-encoded
// HMAC-SHA256 of body under secret, compared in constant time. A
// missing secret always fails closed.
func VerifySignature(secret, body []byte, header string) bool {
	if len(secret) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}
