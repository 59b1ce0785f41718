package observability

// Build metadata for logs, the CLI and /api/v1/version.
// Values are overwritten via -ldflags during build.
var (
	Version = "dev"  // release version
	Commit  = "none" // short commit
	Date    = ""     // ISO8601 UTC build time
)

// BuildInfo is the version payload shared by the CLI and the control API.
type BuildInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date,omitempty"`
}

func Build() BuildInfo {
	return BuildInfo{Name: "netcapture", Version: Version, Commit: Commit, Date: Date}
}
