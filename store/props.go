package store

import (
	"bufio"
	"strings"
	"sync"
)

// Well-known property names the wire protocol understands. These mirror
// svn's reserved svn:* namespace; the session/reporter packages never
// invent their own names.
const (
	PropExecutable  = "svn:executable"
	PropSpecial     = "svn:special"
	PropMimeType    = "svn:mime-type"
	PropIgnore      = "svn:ignore"
	PropAutoProps   = "svn:auto-props"
	PropExternals   = "svn:externals"
	PropEntryCommittedRev = "svn:entry:committed-rev"
)

// PropertySet is the string->string map returned by the path-property
// pipeline and carried on a repo.Entry.
type PropertySet map[string]string

// Pipeline derives per-path attributes by scanning the special dotfiles
// (.gitignore-equivalent "svnignore", ".gitattributes"-equivalent
// "svnprops") found while walking a tree, memoising the parsed result by
// the dotfile blob's id so repeated revisions sharing an unchanged
// directory never re-scan it.
//
// Caches are append-only concurrent maps - entries are never evicted
// because an object id immutably determines its parsed content.
type Pipeline struct {
	store Store

	ignoreCache sync.Map // ObjectID -> []string
	propsCache  sync.Map // ObjectID -> map[string]PropertySet (path-pattern -> props)
}

func NewPipeline(s Store) *Pipeline {
	return &Pipeline{store: s}
}

// IgnorePatterns returns the svn:ignore-style glob patterns recorded in a
// directory's ".svnignore" blob, or nil if the directory has none.
func (p *Pipeline) IgnorePatterns(dotfileBlob ObjectID) ([]string, error) {
	if dotfileBlob.IsZero() {
		return nil, nil
	}
	if v, ok := p.ignoreCache.Load(dotfileBlob); ok {
		return v.([]string), nil
	}
	r, _, err := p.store.Blob(dotfileBlob)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var patterns []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	p.ignoreCache.Store(dotfileBlob, patterns)
	return patterns, nil
}

// AutoProps parses a ".gitattributes"-shaped dotfile into per-pattern
// property sets: each line is "pattern key=value key=value...".
func (p *Pipeline) AutoProps(dotfileBlob ObjectID) (map[string]PropertySet, error) {
	if dotfileBlob.IsZero() {
		return nil, nil
	}
	if v, ok := p.propsCache.Load(dotfileBlob); ok {
		return v.(map[string]PropertySet), nil
	}
	r, _, err := p.store.Blob(dotfileBlob)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out := map[string]PropertySet{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		pattern := fields[0]
		props := PropertySet{}
		for _, kv := range fields[1:] {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) == 2 {
				props[parts[0]] = parts[1]
			} else {
				props[parts[0]] = "*"
			}
		}
		out[pattern] = props
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	p.propsCache.Store(dotfileBlob, out)
	return out, nil
}

// MatchAutoProps finds the properties that apply to name under the given
// auto-props table, with "*" matching any run of characters.
func MatchAutoProps(table map[string]PropertySet, name string) PropertySet {
	merged := PropertySet{}
	for pattern, props := range table {
		if globMatch(pattern, name) {
			for k, v := range props {
				merged[k] = v
			}
		}
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

func globMatch(pattern, name string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == name
	}
	parts := strings.Split(pattern, "*")
	idx := 0
	for i, part := range parts {
		if part == "" {
			continue
		}
		j := strings.Index(name[idx:], part)
		if j < 0 {
			return false
		}
		if i == 0 && j != 0 {
			return false
		}
		idx += j + len(part)
	}
	if !strings.HasSuffix(pattern, "*") {
		return strings.HasSuffix(name, parts[len(parts)-1])
	}
	return true
}

// IsDotfile reports whether name is one of the special files this
// pipeline scans while walking a tree.
func IsDotfile(name string) bool {
	return name == ".svnignore" || name == ".svnprops"
}
