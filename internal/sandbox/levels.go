package sandbox

// Level decides how much of the server's environment leaks into commands.
type Level int

const (
	Strict     Level = iota // fixed PATH, nothing inherited
	Standard                // PATH and toolchain variables inherited
	Privileged              // full server environment
)

func (l Level) String() string {
	switch l {
	case Strict:
		return "strict"
	case Standard:
		return "standard"
	case Privileged:
		return "privileged"
	default:
		return "unknown"
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) Level {
	switch s {
	case "strict":
		return Strict
	case "privileged":
		return Privileged
	default:
		return Standard
	}
}

// inherited lists the variables Standard passes through.
var inherited = []string{
	"PATH", "LANG", "LC_ALL", "TERM",
	"NODE_OPTIONS", "NODE_PATH", "NPM_CONFIG_REGISTRY", "NPM_CONFIG_CACHE",
	"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY",
}
