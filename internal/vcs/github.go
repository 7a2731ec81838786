package vcs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"evoline/internal/config"
)

// GitHub talks to the GitHub REST API. Transient failures (network errors,
// 5xx, 429) are retried with exponential backoff; 4xx responses are
// permanent.
type GitHub struct {
	BaseURL string
	Owner   string
	Repo    string
	Token   string
	Client  *http.Client
}

func NewGitHub(cfg *config.Config) (*GitHub, error) {
	remote := cfg.Act.Remote
	if remote.Owner == "" || remote.Repo == "" {
		return nil, fmt.Errorf("act.remote.owner and act.remote.repo are required")
	}
	token := os.Getenv(remote.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("remote token env %s is empty", remote.TokenEnv)
	}
	base := remote.APIURL
	if base == "" {
		base = "https://api.github.com"
	}
	timeout := time.Duration(remote.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GitHub{
		BaseURL: base,
		Owner:   remote.Owner,
		Repo:    remote.Repo,
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}, nil
}

type httpError struct {
	Status int
	Body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("github: status %d: %s", e.Status, e.Body)
}

func (g *GitHub) do(ctx context.Context, method, path string, body, out any) error {
	op := func() error {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return backoff.Permanent(err)
			}
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+g.Token)
		req.Header.Set("Accept", "application/vnd.github+json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := g.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return &httpError{Status: resp.StatusCode, Body: string(data)}
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(&httpError{Status: resp.StatusCode, Body: string(data)})
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode github response: %w", err))
			}
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(op, policy)
}

func (g *GitHub) repoPath(format string, args ...any) string {
	return fmt.Sprintf("/repos/%s/%s", g.Owner, g.Repo) + fmt.Sprintf(format, args...)
}

func isNotFound(err error) bool {
	var he *httpError
	if ok := asHTTPError(err, &he); ok {
		return he.Status == http.StatusNotFound
	}
	return false
}

func asHTTPError(err error, target **httpError) bool {
	for err != nil {
		if he, ok := err.(*httpError); ok {
			*target = he
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

type refResponse struct {
	Object struct {
		SHA string `json:"sha"`
	} `json:"object"`
}

func (g *GitHub) branchSHA(ctx context.Context, name string) (string, error) {
	// Ref paths take slashes literally: /git/ref/heads/evolution/2025-06-01.
	var ref refResponse
	err := g.do(ctx, http.MethodGet, g.repoPath("/git/ref/heads/%s", name), nil, &ref)
	if err != nil {
		return "", err
	}
	return ref.Object.SHA, nil
}

func (g *GitHub) EnsureBranch(ctx context.Context, name, base string) (bool, error) {
	if _, err := g.branchSHA(ctx, name); err == nil {
		return false, nil
	} else if !isNotFound(err) {
		return false, err
	}
	baseSHA, err := g.branchSHA(ctx, base)
	if err != nil {
		return false, fmt.Errorf("resolve base branch %s: %w", base, err)
	}
	payload := map[string]string{"ref": "refs/heads/" + name, "sha": baseSHA}
	if err := g.do(ctx, http.MethodPost, g.repoPath("/git/refs"), payload, nil); err != nil {
		return false, fmt.Errorf("create branch %s: %w", name, err)
	}
	return true, nil
}

func (g *GitHub) CommitFile(ctx context.Context, branch, path, content, message string) (string, error) {
	contentPath := g.repoPath("/contents/%s", path)
	// An existing file needs its blob SHA for the update call.
	var existing struct {
		SHA string `json:"sha"`
	}
	var blobSHA string
	err := g.do(ctx, http.MethodGet, contentPath+"?ref="+url.QueryEscape(branch), nil, &existing)
	switch {
	case err == nil:
		blobSHA = existing.SHA
	case isNotFound(err):
	default:
		return "", err
	}
	payload := map[string]string{
		"message": message,
		"content": base64.StdEncoding.EncodeToString([]byte(content)),
		"branch":  branch,
	}
	if blobSHA != "" {
		payload["sha"] = blobSHA
	}
	var out struct {
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	if err := g.do(ctx, http.MethodPut, contentPath, payload, &out); err != nil {
		return "", fmt.Errorf("commit %s: %w", path, err)
	}
	return out.Commit.SHA, nil
}

type pullResponse struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

func (g *GitHub) OpenPullRequest(ctx context.Context, head, base, title, body string) (int, string, error) {
	var open []pullResponse
	listPath := g.repoPath("/pulls?state=open&head=%s", url.QueryEscape(g.Owner+":"+head))
	if err := g.do(ctx, http.MethodGet, listPath, nil, &open); err != nil {
		return 0, "", err
	}
	if len(open) > 0 {
		return open[0].Number, open[0].HTMLURL, nil
	}
	payload := map[string]string{"title": title, "head": head, "base": base, "body": body}
	var pr pullResponse
	if err := g.do(ctx, http.MethodPost, g.repoPath("/pulls"), payload, &pr); err != nil {
		return 0, "", fmt.Errorf("open pull request from %s: %w", head, err)
	}
	return pr.Number, pr.HTMLURL, nil
}
