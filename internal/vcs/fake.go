package vcs

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Remote for tests and offline runs.
type Fake struct {
	mu       sync.Mutex
	Branches map[string]bool
	Files    map[string]string // branch + ":" + path -> content
	Pulls    []FakePull
	Commits  int

	// FailOn, when non-empty, makes the named operation return an error:
	// "branch", "commit", "pull".
	FailOn string
}

type FakePull struct {
	Number int
	Head   string
	Base   string
	Title  string
	Body   string
}

func NewFake() *Fake {
	return &Fake{Branches: map[string]bool{}, Files: map[string]string{}}
}

func (f *Fake) EnsureBranch(_ context.Context, name, base string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailOn == "branch" {
		return false, fmt.Errorf("fake remote: branch failure")
	}
	if f.Branches[name] {
		return false, nil
	}
	f.Branches[name] = true
	return true, nil
}

func (f *Fake) CommitFile(_ context.Context, branch, path, content, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailOn == "commit" {
		return "", fmt.Errorf("fake remote: commit failure")
	}
	if !f.Branches[branch] {
		return "", fmt.Errorf("fake remote: unknown branch %s", branch)
	}
	f.Files[branch+":"+path] = content
	f.Commits++
	return fmt.Sprintf("%040x", f.Commits), nil
}

func (f *Fake) OpenPullRequest(_ context.Context, head, base, title, body string) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailOn == "pull" {
		return 0, "", fmt.Errorf("fake remote: pull request failure")
	}
	for _, p := range f.Pulls {
		if p.Head == head {
			return p.Number, fakePullURL(p.Number), nil
		}
	}
	number := len(f.Pulls) + 1
	f.Pulls = append(f.Pulls, FakePull{Number: number, Head: head, Base: base, Title: title, Body: body})
	return number, fakePullURL(number), nil
}

func fakePullURL(number int) string {
	return fmt.Sprintf("https://example.invalid/pulls/%d", number)
}
