package main

import (
	"runtime/debug"
	"time"
)

// Overridable with -ldflags "-X main.commit=... -X main.buildDate=...".
var (
	commit    = "dev"
	buildDate = ""
)

func init() {
	commit, buildDate = stampFromBuildInfo(commit, buildDate)
}

// stampFromBuildInfo fills whatever the linker left unset from the VCS
// settings the go tool embeds. A modified tree gets a "-dirty" suffix.
func stampFromBuildInfo(rev, date string) (string, string) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return rev, date
	}
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if rev == "dev" && s.Value != "" {
				rev = s.Value
				if len(rev) > 7 {
					rev = rev[:7]
				}
			}
		case "vcs.time":
			if date == "" && s.Value != "" {
				if t, err := time.Parse(time.RFC3339, s.Value); err == nil {
					date = t.Format("2006-01-02")
				}
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if dirty && rev != "dev" {
		rev += "-dirty"
	}
	return rev, date
}
