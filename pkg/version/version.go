// Package version exposes the runtime's build identity: a release
// version and a git commit, resolved from -ldflags overrides first and
// VCS build info second, with "dev" as the fallback for test and
// non-git builds.
package version

import "runtime/debug"

// AppName prefixes version strings in logs, user agents, and the health
// endpoint.
const AppName = "runforge"

// Overridden via -ldflags in release builds, where the container build
// context has no .git directory:
//
//	-X github.com/runforge/runforge/pkg/version.release=v0.3.0
//	-X github.com/runforge/runforge/pkg/version.commit=<sha>
var (
	release string
	commit  string
)

// Release is the release tag, or "dev" outside a release build.
var Release = initRelease()

// GitCommit is the short commit hash, suffixed with "-dirty" when the
// tree had local modifications at build time.
var GitCommit = initGitCommit()

func initRelease() string {
	if release != "" {
		return release
	}
	return "dev"
}

func initGitCommit() string {
	if commit != "" {
		return short(commit)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	var rev string
	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return "dev"
	}
	rev = short(rev)
	if dirty {
		rev += "-dirty"
	}
	return rev
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "runforge/<release>+<commit>" for user-agent strings and
// startup logs.
func Full() string {
	return AppName + "/" + Release + "+" + GitCommit
}
