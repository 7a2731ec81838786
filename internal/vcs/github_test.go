package vcs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeGitHubAPI struct {
	branches map[string]string // name -> sha
	files    map[string]string // branch:path -> blob sha
	pulls    []map[string]any
}

func newFakeGitHubAPI() *fakeGitHubAPI {
	return &fakeGitHubAPI{
		branches: map[string]string{"main": "base-sha"},
		files:    map[string]string{},
	}
}

func (f *fakeGitHubAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/bot/git/ref/heads/{branch...}", func(w http.ResponseWriter, r *http.Request) {
		sha, ok := f.branches[r.PathValue("branch")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"object": map[string]string{"sha": sha}})
	})
	mux.HandleFunc("POST /repos/acme/bot/git/refs", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.branches[body.Ref[len("refs/heads/"):]] = body.SHA
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("GET /repos/acme/bot/contents/{path...}", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("ref") + ":" + r.PathValue("path")
		sha, ok := f.files[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"sha": sha})
	})
	mux.HandleFunc("PUT /repos/acme/bot/contents/{path...}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Branch string `json:"branch"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		key := body.Branch + ":" + r.PathValue("path")
		f.files[key] = "blob-" + key
		json.NewEncoder(w).Encode(map[string]any{"commit": map[string]string{"sha": "commit-" + key}})
	})
	mux.HandleFunc("GET /repos/acme/bot/pulls", func(w http.ResponseWriter, r *http.Request) {
		head := r.URL.Query().Get("head")
		var open []map[string]any
		for _, p := range f.pulls {
			if p["head"] == head {
				open = append(open, p)
			}
		}
		json.NewEncoder(w).Encode(open)
	})
	mux.HandleFunc("POST /repos/acme/bot/pulls", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		pr := map[string]any{
			"number":   len(f.pulls) + 1,
			"html_url": "https://example.test/pr/1",
			"head":     "acme:" + body["head"].(string),
		}
		f.pulls = append(f.pulls, pr)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(pr)
	})
	return mux
}

func newTestGitHub(t *testing.T) (*GitHub, *fakeGitHubAPI) {
	t.Helper()
	api := newFakeGitHubAPI()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	return &GitHub{
		BaseURL: srv.URL,
		Owner:   "acme",
		Repo:    "bot",
		Token:   "token",
		Client:  srv.Client(),
	}, api
}

func TestEnsureBranchIsIdempotent(t *testing.T) {
	g, api := newTestGitHub(t)
	ctx := context.Background()

	created, err := g.EnsureBranch(ctx, "evolution/2025-06-01", "main")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created {
		t.Fatal("expected branch creation")
	}
	if api.branches["evolution/2025-06-01"] != "base-sha" {
		t.Fatalf("branch sha = %s", api.branches["evolution/2025-06-01"])
	}

	created, err = g.EnsureBranch(ctx, "evolution/2025-06-01", "main")
	if err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
	if created {
		t.Fatal("second ensure must not recreate")
	}
}

func TestEnsureBranchMissingBase(t *testing.T) {
	g, _ := newTestGitHub(t)
	if _, err := g.EnsureBranch(context.Background(), "x", "absent"); err == nil {
		t.Fatal("expected error for missing base branch")
	}
}

func TestCommitFileCreatesAndUpdates(t *testing.T) {
	g, api := newTestGitHub(t)
	ctx := context.Background()
	if _, err := g.EnsureBranch(ctx, "b", "main"); err != nil {
		t.Fatal(err)
	}
	sha, err := g.CommitFile(ctx, "b", "evolution/doc.md", "content", "msg")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if sha == "" {
		t.Fatal("empty commit sha")
	}
	// Second write updates the same path instead of failing on the existing blob.
	if _, err := g.CommitFile(ctx, "b", "evolution/doc.md", "content v2", "msg"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, ok := api.files["b:evolution/doc.md"]; !ok {
		t.Fatal("file not stored")
	}
}

func TestOpenPullRequestReusesExisting(t *testing.T) {
	g, _ := newTestGitHub(t)
	ctx := context.Background()
	number, url, err := g.OpenPullRequest(ctx, "b", "main", "title", "body")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if number != 1 || url == "" {
		t.Fatalf("pr = %d %s", number, url)
	}
	again, _, err := g.OpenPullRequest(ctx, "b", "main", "title", "body")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if again != number {
		t.Fatalf("got new PR %d, want reuse of %d", again, number)
	}
}
