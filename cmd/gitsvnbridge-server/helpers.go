package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/profile"
	"golang.org/x/crypto/bcrypt"
)

// repoUUID derives a stable repository UUID from its mapping prefix so
// restarts keep announcing the same identity to clients that cache it.
func repoUUID(prefix string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("gitsvnbridge:"+prefix)).String()
}

func bcryptCompare(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// startProfile begins the requested profiling mode for the process
// lifetime; the caller defers the returned Stopper's Stop.
func startProfile(mode string) (interface{ Stop() }, error) {
	switch mode {
	case "cpu":
		return profile.Start(profile.CPUProfile), nil
	case "mem":
		return profile.Start(profile.MemProfile), nil
	case "block":
		return profile.Start(profile.BlockProfile), nil
	default:
		return nil, fmt.Errorf("unknown profile mode %q (want cpu, mem, or block)", mode)
	}
}
