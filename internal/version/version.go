package version

import "fmt"

// Set through -ldflags "-X spotprice-engine/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// UserAgent identifies outbound requests to price providers.
func UserAgent() string {
	return "spotprice-engine/" + Version
}

// String renders the build information printed by the version command.
func String() string {
	return fmt.Sprintf("spotprice %s (commit %s, built %s)", Version, Commit, BuildDate)
}
