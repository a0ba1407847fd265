// Package version identifies forge builds in logs, the version endpoint,
// and handshake metadata.
package version

import "runtime/debug"

// AppName prefixes every version string.
const AppName = "forge"

// commit can be injected with -ldflags for builds where VCS metadata is
// unavailable (container builds without .git).
var commit string

// Full returns "forge/<short-commit>", falling back to "forge/dev" when no
// commit is known (go test, non-git builds).
func Full() string {
	return AppName + "/" + shortCommit()
}

func shortCommit() string {
	c := commit
	if c == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					c = s.Value
					break
				}
			}
		}
	}
	if c == "" {
		return "dev"
	}
	if len(c) > 8 {
		c = c[:8]
	}
	return c
}
