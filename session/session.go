// Package session owns the wire-protocol session engine: the per-
// connection state machine (capability exchange -> authentication ->
// announce -> command loop), the step stack that lets multi-round
// commands interleave with client-initiated reads, and the command
// registry dispatch table.
package session

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rcowham/gitsvnbridge/locks"
	"github.com/rcowham/gitsvnbridge/repo"
	"github.com/rcowham/gitsvnbridge/store"
	"github.com/rcowham/gitsvnbridge/store/filters"
	"github.com/rcowham/gitsvnbridge/wire"
)

const (
	ProtocolVersion = 2

	// CapEditPipeline etc. are the capability atoms advertised in the
	// greeting.
	CapEditPipeline    = "edit-pipeline"
	CapAbsentEntries   = "absent-entries"
	CapDepth           = "depth"
	CapInheritedProps  = "inherited-props"
	CapLogRevprops     = "log-revprops"
	CapSvnDiff1        = "svndiff1"
)

// Repository bundles everything sessions resolved to the same backing
// git repository share: the object store, the per-branch engines, the
// lock registry, and the supporting caches. One Repository is shared
// across every session connected to the same repository, regardless of
// which branch within it each session picked.
type Repository struct {
	Name            string
	Store           store.Store
	Pipeline        *store.Pipeline
	History         *repo.History
	Locks           *locks.Registry
	UUID            string
	RenameDetection bool

	// Classifier is the durable svn:mime-type classification cache;
	// nil leaves files unclassified.
	Classifier *filters.Classifier

	// RevMaps opens (or creates) the persisted revision<->commit table
	// for a branch of this repository. Optional: a nil
	// func leaves branches walking their full history on every reload.
	RevMaps func(branch string) (*store.RevMap, error)

	mu       sync.Mutex
	branches map[string]*repo.Branch
}

// Branch returns the (lazily created, memoised) Branch engine for name.
func (r *Repository) Branch(name string) (*repo.Branch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.branches == nil {
		r.branches = map[string]*repo.Branch{}
	}
	if b, ok := r.branches[name]; ok {
		return b, nil
	}
	b, err := repo.NewBranch(r.Store, name, "", r.RenameDetection)
	if err != nil {
		return nil, err
	}
	if r.RevMaps != nil {
		rm, err := r.RevMaps(name)
		if err != nil {
			return nil, err
		}
		if err := b.SetRevMap(rm); err != nil {
			return nil, err
		}
	}
	r.branches[name] = b
	return b, nil
}

// Shared is the single shared-context value passed explicitly to every
// subsystem; nothing here lives in a process-wide singleton.
type Shared struct {
	Mapper       repo.Mapper
	Repositories func(name string) (*Repository, error)
	Authn        []Authenticator
	// AllowAnon is a server-wide veto over per-repository anonymous
	// read: the ANONYMOUS mechanism is only advertised when the mapping
	// entry allows it and this (if non-nil) agrees.
	AllowAnon func(repoName string) bool
	Log          *logrus.Logger
	IdleTimeout  time.Duration
	AuthTimeout  time.Duration
	Metrics      Metrics

	// CompressionEnabled gates advertising the svndiff1 capability atom;
	// clients only send compressed delta windows after seeing it.
	CompressionEnabled bool

	// HookRunners maps a repository name to its commit hook runner
	// for pre/post-commit scripts. A repository absent from this map gets
	// a no-op runner.
	HookRunners map[string]interface{}
}

// Metrics is the narrow slice of observability the session engine
// drives; package metrics provides the prometheus-backed
// implementation. Kept as an interface here so session has no direct
// prometheus dependency.
type Metrics interface {
	SessionOpened()
	SessionClosed()
	CommandHandled(cmd string, d time.Duration, failed bool)
}

// Step is one queued unit of work a multi-round command registers
// instead of blocking the reader. A step that needs another round
// re-pushes itself via Session.Push; the loop keeps draining until the
// stack is empty.
type Step func(s *Session) error

// Session is the per-connection state, created on connect and
// destroyed on disconnect. Nothing here is
// shared with any other session.
type Session struct {
	Conn   net.Conn
	R      *wire.Reader
	W      *wire.Writer
	Shared *Shared
	Log    *logrus.Entry

	User         string
	Capabilities map[string]bool
	ParentPath   string // current-parent-path, set by reparent

	Repo     *Repository
	Branch   *repo.Branch
	RootPath string

	steps            []Step
	pendingURL       string
	pendingAllowAnon bool
}

// New wraps an accepted connection. The caller still has to drive
// Run().
func New(conn net.Conn, shared *Shared) *Session {
	return &Session{
		Conn:         conn,
		R:            wire.NewReader(conn),
		W:            wire.NewWriter(conn),
		Shared:       shared,
		Log:          shared.Log.WithField("remote", conn.RemoteAddr().String()),
		Capabilities: map[string]bool{},
	}
}

// Push appends a Step to the bottom-of-stack work queue; steps run in
// the order pushed (FIFO per batch), but the loop always drains
// everything already queued before attempting a new socket read.
func (s *Session) Push(step Step) {
	s.steps = append(s.steps, step)
}

// drainSteps runs every queued step to completion, in order, before the
// caller may read another command. A step that itself calls Push extends
// the drain.
func (s *Session) drainSteps() error {
	for len(s.steps) > 0 {
		step := s.steps[0]
		s.steps = s.steps[1:]
		if err := step(s); err != nil {
			return err
		}
	}
	return nil
}

// Run drives the full state machine for one connection: greeting,
// repository resolution, authentication, announce, then the command
// loop until the client disconnects or a transport error occurs.
func (s *Session) Run() error {
	defer s.Conn.Close()
	s.Shared.Metrics.SessionOpened()
	defer s.Shared.Metrics.SessionClosed()

	if err := s.greet(); err != nil {
		s.Log.WithError(err).Error("svn-wire: greeting failed")
		return err
	}
	if err := s.resolveRepository(); err != nil {
		s.Log.WithError(err).Info("svn-wire: repository resolution failed")
		return err
	}
	if err := s.authenticate(); err != nil {
		s.Log.WithError(err).Info("svn-wire: authentication failed")
		return err
	}
	if err := s.announce(); err != nil {
		s.Log.WithError(err).Error("svn-wire: announce failed")
		return err
	}
	return s.commandLoop()
}

func (s *Session) commandLoop() error {
	for {
		if err := s.drainSteps(); err != nil {
			// A semantic failure inside a multi-round command is written
			// back like any command failure; only transport errors drop
			// the connection.
			if err := s.writeStructuredError(err); err != nil {
				return err
			}
		}
		if s.Shared.IdleTimeout > 0 {
			s.Conn.SetReadDeadline(time.Now().Add(s.Shared.IdleTimeout))
		}
		if err := s.R.ListStart(); err != nil {
			return err
		}
		word, err := s.R.Word()
		if err != nil {
			return err
		}
		start := time.Now()
		failed, err := s.dispatch(word)
		s.Shared.Metrics.CommandHandled(word, time.Since(start), failed)
		if err != nil {
			return err
		}
		// dispatch (via wire.ReadRecord or SkipItem) only consumes the
		// command's argument list; the outer "( word ( args ) )" wrapper
		// this loop opened above is still open one level.
		if err := s.R.ListEnd(); err != nil {
			return err
		}
	}
}

// dispatch looks up word in the registry, runs its permission check and
// handler, and reports failed=true when a *wire.Error was written back
// to the client rather than returned as a fatal transport error.
func (s *Session) dispatch(word string) (failed bool, err error) {
	h, ok := Registry[word]
	if !ok {
		if err := s.R.SkipItem(); err != nil {
			return true, err
		}
		return true, s.writeFailure(wire.NewError(wire.ErrRASVNUnknownCmd, "unknown command %q", word))
	}
	args, err := wire.ReadRecord(s.R, h.Schema)
	if err != nil {
		return true, err
	}
	if h.Permission != nil {
		if permErr := h.Permission(s, args); permErr != nil {
			return true, s.writeStructuredError(permErr)
		}
	}
	if procErr := h.Process(s, args); procErr != nil {
		return true, s.writeStructuredError(procErr)
	}
	return false, nil
}

// writeStructuredError logs warning-class codes at info and everything
// else at error, then serialises a failure response,
// unless err is already a fatal transport error in which case it is
// returned unchanged to drop the connection.
func (s *Session) writeStructuredError(err error) error {
	werr, ok := err.(*wire.Error)
	if !ok {
		return err
	}
	if werr.Code.IsWarning() {
		s.Log.WithField("code", werr.Code).Info(werr.Message)
	} else {
		s.Log.WithField("code", werr.Code).Error(werr.Message)
	}
	return s.writeFailure(werr)
}

func (s *Session) writeFailure(werr *wire.Error) error {
	if err := s.W.ListStart(); err != nil {
		return err
	}
	s.W.Word("failure")
	s.W.ListStart()
	s.W.ListStart()
	s.W.Number(int64(werr.Code))
	s.W.String(werr.Message)
	s.W.String(werr.File)
	s.W.Number(int64(werr.Line))
	s.W.ListEnd()
	s.W.ListEnd()
	s.W.ListEnd()
	return s.W.Flush()
}

// WriteSuccess emits ( success ( <fields written by fn> ) ) and flushes.
func (s *Session) WriteSuccess(fn func(w *wire.Writer) error) error {
	if err := s.W.ListStart(); err != nil {
		return err
	}
	if err := s.W.Word("success"); err != nil {
		return err
	}
	if err := s.W.ListStart(); err != nil {
		return err
	}
	if fn != nil {
		if err := fn(s.W); err != nil {
			return err
		}
	}
	if err := s.W.ListEnd(); err != nil {
		return err
	}
	if err := s.W.ListEnd(); err != nil {
		return err
	}
	return s.W.Flush()
}

func (s *Session) greet() error {
	if err := s.W.ListStart(); err != nil {
		return err
	}
	s.W.Word("success")
	s.W.ListStart()
	s.W.Number(2)
	s.W.Number(2)
	s.W.ListStart() // mech-list, left empty: mechanisms go in the auth request once the anon policy is known
	s.W.ListEnd()
	s.W.ListStart()
	caps := []string{CapEditPipeline, CapAbsentEntries, CapDepth, CapInheritedProps, CapLogRevprops}
	if s.Shared.CompressionEnabled {
		caps = append(caps, CapSvnDiff1)
	}
	for _, c := range caps {
		s.W.Word(c)
	}
	s.W.ListEnd()
	s.W.ListEnd()
	s.W.ListEnd()
	if err := s.W.Flush(); err != nil {
		return err
	}

	rec, err := wire.ReadRecord(s.R, greetingSchema)
	if err != nil {
		return err
	}
	ver := rec["version"].(int64)
	if ver != ProtocolVersion {
		return fmt.Errorf("svn-wire: unsupported protocol version %d", ver)
	}
	for _, c := range rec["capabilities"].([]interface{}) {
		s.Capabilities[c.(string)] = true
	}
	s.pendingURL = rec["url"].(string)
	return nil
}

var greetingSchema = wire.Schema{
	{Name: "version", Kind: wire.FNumber},
	wire.ListOf("capabilities", wire.FWord),
	{Name: "url", Kind: wire.FString},
}
