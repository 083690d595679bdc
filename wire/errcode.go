package wire

import "fmt"

// Code is a protocol error code. Values follow the numeric space of the
// protocol's cousin implementation (subversion's svn_error_codes.h via
// git-as-svn), since clients key retry/UI behaviour off these numbers.
type Code int

const (
	ErrFSNotFound            Code = 160013
	ErrFSAlreadyExists       Code = 160020
	ErrFSPathAlreadyLocked   Code = 160037
	ErrFSNoSuchLock          Code = 160038
	ErrFSLockOwnerMismatch   Code = 160039
	ErrFSOutOfDate           Code = 160029
	ErrFSConflict            Code = 160024
	ErrFSNoUser              Code = 160016
	ErrReposHookFailure      Code = 165001
	ErrRASVNUnknownCmd       Code = 210001
	ErrRAIllegalURL          Code = 170000
	ErrRANotAuthorized       Code = 170001
	ErrRACancelled           Code = 200015
	ErrChecksumMismatch      Code = 200014
	ErrEntryNotFound         Code = 160005
	ErrIOWriteError          Code = 200030
	ErrIOPipeReadError       Code = 200031
	ErrMalformedFile         Code = 200002
)

// warningCodes are logged at info level;
// everything else in Error logs at error level.
var warningCodes = map[Code]bool{
	ErrRACancelled:         true,
	ErrEntryNotFound:       true,
	ErrRANotAuthorized:     true,
	ErrIOWriteError:        true,
	ErrIOPipeReadError:     true,
	ErrReposHookFailure:    true,
	ErrFSOutOfDate:         true,
}

// IsWarning reports whether code belongs to the "warning" class: logged
// at info level rather than error level.
func (c Code) IsWarning() bool { return warningCodes[c] }

// Error is a structured semantic error: a code, a human message, and an
// optional source origin, matching the (code msg file line) tuple the
// wire protocol serialises on failure.
type Error struct {
	Code    Code
	Message string
	File    string
	Line    int
}

func (e *Error) Error() string {
	return fmt.Sprintf("svn-wire: [%d] %s", e.Code, e.Message)
}

// NewError builds an Error without source origin information (the common
// case for errors raised deep in a handler rather than at the transport
// boundary).
func NewError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
