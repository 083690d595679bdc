package session

import (
	"fmt"
	"time"

	"github.com/rcowham/gitsvnbridge/wire"
)

// Authenticator is the pluggable credential-check collaborator for the
// authentication state: given the session's reader/writer and an optional
// mechanism-specific initial token from the client's chosen-mechanism
// line, it either returns the authenticated username or nil/err to
// signal rejection (the session keeps looping over the advertised
// mechanism list until one succeeds).
type Authenticator interface {
	Mechanism() string
	Authenticate(s *Session, initialToken string) (user string, err error)
}

// UserStore is the user-directory backend the bundled plain-credential
// authenticator consults; the server wires in a config-driven
// implementation.
type UserStore interface {
	// Verify returns true if password is correct for user.
	Verify(user, password string) bool
}

// PlainAuthenticator implements the plain (username, password)
// exchange.
type PlainAuthenticator struct {
	Users UserStore
}

func (PlainAuthenticator) Mechanism() string { return "PLAIN" }

func (a PlainAuthenticator) Authenticate(s *Session, initialToken string) (string, error) {
	// The client's token is base64("\0username\0password") by
	// convention of the SASL PLAIN mechanism; the wire layer here
	// already hands us decoded bytes as a byte-string so we just split
	// on NUL.
	parts := splitNUL(initialToken)
	if len(parts) != 3 {
		return "", fmt.Errorf("svn-wire: malformed PLAIN response")
	}
	user, pass := parts[1], parts[2]
	if !a.Users.Verify(user, pass) {
		return "", fmt.Errorf("svn-wire: authentication failed for %q", user)
	}
	return user, nil
}

func splitNUL(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// AnonymousAuthenticator grants access to a fixed anonymous identity with
// no credential exchange, only ever advertised when the resolved
// repository entry sets AllowAnonymousRead.
type AnonymousAuthenticator struct{}

func (AnonymousAuthenticator) Mechanism() string { return "ANONYMOUS" }

func (AnonymousAuthenticator) Authenticate(s *Session, _ string) (string, error) {
	return "anonymous", nil
}

// announce sends success(uuid, base-url, ()) after authentication.
func (s *Session) announce() error {
	return s.WriteSuccess(func(w *wire.Writer) error {
		if err := w.String(s.Repo.UUID); err != nil {
			return err
		}
		if err := w.String("svn://" + s.Conn.LocalAddr().String()); err != nil {
			return err
		}
		if err := w.ListStart(); err != nil {
			return err
		}
		return w.ListEnd() // empty capability-echo list
	})
}

// authenticate drives the authentication state: advertise mechanisms,
// loop until one succeeds, emitting success/failure after each attempt.
func (s *Session) authenticate() error {
	mechs := append([]Authenticator(nil), s.Shared.Authn...)
	if s.pendingAllowAnon && (s.Shared.AllowAnon == nil || s.Shared.AllowAnon(s.Repo.Name)) {
		mechs = append(mechs, AnonymousAuthenticator{})
	}

	if s.Shared.AuthTimeout > 0 {
		s.Conn.SetReadDeadline(time.Now().Add(s.Shared.AuthTimeout))
	}

	if err := s.W.ListStart(); err != nil {
		return err
	}
	s.W.Word("success")
	s.W.ListStart()
	s.W.ListStart()
	for _, m := range mechs {
		s.W.Word(m.Mechanism())
	}
	s.W.ListEnd()
	s.W.String(s.Repo.Name)
	s.W.ListEnd()
	s.W.ListEnd()
	if err := s.W.Flush(); err != nil {
		return err
	}

	for {
		rec, err := wire.ReadRecord(s.R, authSchema)
		if err != nil {
			return err
		}
		mechName := rec["mech"].(string)
		token, _ := rec["token"].(string)

		var chosen Authenticator
		for _, m := range mechs {
			if m.Mechanism() == mechName {
				chosen = m
				break
			}
		}
		if chosen == nil {
			if err := s.writeAuthFailure("unsupported mechanism"); err != nil {
				return err
			}
			continue
		}
		user, authErr := chosen.Authenticate(s, token)
		if authErr != nil {
			if err := s.writeAuthFailure(authErr.Error()); err != nil {
				return err
			}
			continue
		}
		s.User = user
		s.Conn.SetReadDeadline(time.Time{})
		return s.WriteSuccess(nil)
	}
}

func (s *Session) writeAuthFailure(msg string) error {
	if err := s.W.ListStart(); err != nil {
		return err
	}
	s.W.Word("failure")
	s.W.ListStart()
	s.W.String(msg)
	s.W.ListEnd()
	s.W.ListEnd()
	return s.W.Flush()
}

var authSchema = wire.Schema{
	{Name: "mech", Kind: wire.FWord},
	wire.Opt("token", wire.FString),
}
