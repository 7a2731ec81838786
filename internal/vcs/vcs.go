// Package vcs abstracts the version-control remote the actor pushes change
// documents to. Every method checks remote state before mutating, so a retry
// after a partial failure never duplicates branches, commits, or pull
// requests.
package vcs

import "context"

type Remote interface {
	// EnsureBranch creates branch name from base if it does not already
	// exist. Returns true when the branch was created by this call.
	EnsureBranch(ctx context.Context, name, base string) (bool, error)
	// CommitFile creates or updates a file on branch and returns the commit
	// SHA.
	CommitFile(ctx context.Context, branch, path, content, message string) (string, error)
	// OpenPullRequest opens a pull request from head into base, or returns
	// the existing open one for the same head. Returns the PR number and
	// its HTML URL.
	OpenPullRequest(ctx context.Context, head, base, title, body string) (int, string, error)
}
