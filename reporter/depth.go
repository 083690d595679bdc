// Package reporter implements the report-then-update flow: update,
// switch, diff, status, replay, and replay-range all share one delta
// algorithm.
package reporter

// Depth is the client-declared scope for how far a report or update
// descends into a directory.
type Depth int

const (
	DepthEmpty Depth = iota
	DepthFiles
	DepthImmediates
	DepthInfinity
	DepthUnknown
)

func ParseDepth(word string) Depth {
	switch word {
	case "empty":
		return DepthEmpty
	case "files":
		return DepthFiles
	case "immediates":
		return DepthImmediates
	case "infinity":
		return DepthInfinity
	default:
		return DepthUnknown
	}
}

func (d Depth) String() string {
	switch d {
	case DepthEmpty:
		return "empty"
	case DepthFiles:
		return "files"
	case DepthImmediates:
		return "immediates"
	case DepthInfinity:
		return "infinity"
	default:
		return "unknown"
	}
}

// Action is the outcome of combining a working-copy depth with the
// requested depth for one child entry.
type Action int

const (
	ActionNormal  Action = iota // visit and recurse per the child's own depth
	ActionSkip                  // do not visit
	ActionUpgrade                // treat as absent on the client; send a full add
)

// ChildAction implements the depth policy: the interaction of
// the working-copy depth (wcDepth, from the report's set-path) and the
// requested depth (reqDepth, from the command) for one child. targetExists
// distinguishes DepthUnknown's two defined behaviours ("infinity" on
// targets known to exist, else "empty").
func ChildAction(wcDepth, reqDepth Depth, isDir bool, targetExists bool) Action {
	effReq := reqDepth
	if effReq == DepthUnknown {
		if targetExists {
			effReq = DepthInfinity
		} else {
			effReq = DepthEmpty
		}
	}

	switch wcDepth {
	case DepthEmpty:
		// Client has the directory entry but no children; anything new
		// the server wants to show must be upgraded (sent as if it
		// didn't exist before).
		if effReq == DepthEmpty {
			return ActionSkip
		}
		return ActionUpgrade
	case DepthFiles:
		if isDir {
			if effReq == DepthInfinity || effReq == DepthImmediates {
				return ActionUpgrade
			}
			return ActionSkip
		}
		return ActionNormal
	case DepthImmediates:
		if isDir && effReq == DepthInfinity {
			return ActionUpgrade
		}
		return ActionNormal
	case DepthInfinity:
		return ActionNormal
	default:
		return ActionNormal
	}
}
