// Package version reports what build of gtmgraph is running. The commit
// hash comes from an -ldflags override when set, otherwise from the VCS
// stamp Go embeds at build time, otherwise "dev".
package version

import "runtime/debug"

// AppName prefixes version strings in logs and the health endpoint.
const AppName = "gtmgraph"

// gitCommitOverride lets container builds without a .git directory inject
// the commit via -ldflags.
var gitCommitOverride string

// GitCommit is the short commit hash of this build, or "dev" when no build
// metadata is available (plain `go test`, source tarballs).
var GitCommit = initGitCommit()

func initGitCommit() string {
	if gitCommitOverride != "" {
		return shorten(gitCommitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return shorten(s.Value)
		}
	}
	return "dev"
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "gtmgraph/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}
