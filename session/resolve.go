package session

import (
	"fmt"
	"strings"

	"github.com/rcowham/gitsvnbridge/repo"
)

// parsedURL is "svn://host[:port]/<repository-path>[/branch-path]"
// split into the bits repository resolution needs.
type parsedURL struct {
	Host           string
	RepositoryPath string
}

func parseURL(raw string) (parsedURL, error) {
	const scheme = "svn://"
	if !strings.HasPrefix(raw, scheme) {
		return parsedURL{}, fmt.Errorf("svn-wire: unsupported url scheme in %q", raw)
	}
	rest := raw[len(scheme):]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return parsedURL{Host: rest}, nil
	}
	return parsedURL{Host: rest[:slash], RepositoryPath: strings.TrimPrefix(rest[slash:], "/")}, nil
}

// resolveRepository parses the url
// presented in the greeting, consult the repository mapping, and either
// populate s.Repo or send a failure and close.
func (s *Session) resolveRepository() error {
	u, err := parseURL(s.pendingURL)
	if err != nil {
		return s.rejectURL(err)
	}
	resolved, err := s.Shared.Mapper.Resolve(u.RepositoryPath)
	if err != nil {
		return s.rejectURL(err)
	}
	r, err := s.Shared.Repositories(resolved.Entry.Prefix)
	if err != nil {
		return s.rejectURL(err)
	}
	branch, err := r.Branch(resolved.Branch)
	if err != nil {
		return s.rejectURL(err)
	}
	s.Repo = r
	s.Branch = branch
	s.RootPath = resolved.RootPath
	s.pendingAllowAnon = resolved.Entry.AllowAnonymousRead
	return nil
}

// ResolveURL resolves an absolute svn:// url against the session's
// repository mapping, returning the branch and branch-relative root
// path it names. Used by switch and diff, which both accept a
// url that may point elsewhere within the already-selected repository.
func (s *Session) ResolveURL(raw string) (*repo.Branch, string, error) {
	u, err := parseURL(raw)
	if err != nil {
		return nil, "", err
	}
	resolved, err := s.Shared.Mapper.Resolve(u.RepositoryPath)
	if err != nil {
		return nil, "", err
	}
	b, err := s.Repo.Branch(resolved.Branch)
	if err != nil {
		return nil, "", err
	}
	return b, resolved.RootPath, nil
}

func (s *Session) rejectURL(cause error) error {
	if err := s.W.ListStart(); err != nil {
		return err
	}
	s.W.Word("failure")
	s.W.ListStart()
	s.W.String(cause.Error())
	s.W.ListEnd()
	s.W.ListEnd()
	_ = s.W.Flush()
	return fmt.Errorf("svn-wire: repository resolution failed: %w", cause)
}
