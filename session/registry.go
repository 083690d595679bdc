package session

import "github.com/rcowham/gitsvnbridge/wire"

// Handler is one command registry entry: an argument
// schema, an optional permission check run before Process, and the
// command body itself. Handlers that return a *wire.Error are reported
// to the client as a failure response and the session continues;
// anything else is treated as a fatal transport error.
type Handler struct {
	Schema     wire.Schema
	Permission func(s *Session, args wire.Record) error
	Process    func(s *Session, args wire.Record) error
}

// Registry maps a command atom to its Handler. Commands whose
// implementation lives in another package (reporter's update/switch/
// diff/status/replay/replay-range, editor's commit) self-register here
// via Register, called from that package's init(), which keeps session
// free of an import cycle back to its own heaviest consumers.
var Registry = map[string]Handler{}

// Register adds (or replaces) a command registry entry. Called from
// package init() functions, never from request-handling code.
func Register(word string, h Handler) {
	Registry[word] = h
}
