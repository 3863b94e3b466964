package version

import "fmt"

// Name is the binary name reported in logs, the user agent and the version command.
const Name = "relayer-monitor"

var (
	// Version is the semantic version of the binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// UserAgent is sent on every outbound HTTP request.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", Name, Version)
}
