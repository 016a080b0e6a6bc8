package toolchain

import (
	"context"
	"fmt"
	"strings"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/ci"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/syncerr"
)

// FileSource reads the release identifier from a local toolchain pin file.
type FileSource struct {
	Path string
}

func (s *FileSource) ReleaseID(context.Context, *ci.Verdict) (string, error) {
	return ReadPinFile(s.Path)
}

// ContentGetter returns the content of a file in a repository at a
// revision. It is implemented by *githubclt.Client.
type ContentGetter interface {
	FileContent(ctx context.Context, owner, repo, path, ref string) (string, error)
}

// GithubSource reads the toolchain pin file of the repository of a verdict
// via the GitHub API. The file is read at the commit of the run or, if the
// commit is unknown, at the tip of its branch.
type GithubSource struct {
	clt  ContentGetter
	path string
}

func NewGithubSource(clt ContentGetter, path string) *GithubSource {
	if path == "" {
		path = DefaultPinFile
	}

	return &GithubSource{clt: clt, path: path}
}

func (s *GithubSource) ReleaseID(ctx context.Context, v *ci.Verdict) (string, error) {
	owner, repo, found := strings.Cut(v.Repository, "/")
	if !found {
		return "", syncerr.Newf(syncerr.KindPinUnavailable, "repository %q is not in the format <owner>/<name>", v.Repository)
	}

	ref := v.HeadSHA
	if ref == "" {
		ref = v.Branch
	}

	content, err := s.clt.FileContent(ctx, owner, repo, s.path, ref)
	if err != nil {
		return "", syncerr.New(syncerr.KindPinUnavailable, fmt.Errorf("fetching %s at %s failed: %w", s.path, ref, err))
	}

	return ParsePin(content)
}
