// Package version carries build metadata injected with -ldflags, filled in
// from the Go build info where ldflags left gaps.
package version

import (
	"runtime/debug"
	"strconv"
)

// AppName is the service name used in logs, metrics, traces and profiles.
const AppName = "windowgate"

// set via -ldflags "-X github.com/keithlinneman/windowgate/internal/version.Version=..."
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

// String is the one-line form used in the startup log and -version output.
func (i Info) String() string {
	s := AppName + " " + i.Version + " (" + shortCommit(i.Commit)
	if i.VCSDirty != nil && *i.VCSDirty {
		s += "-dirty"
	}
	s += ")"
	if i.GoVersion != "" {
		s += " " + i.GoVersion
	}
	return s
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}

// Get merges ldflags values with the module build info. ldflags win for
// commit and build date, the build info always supplies the Go version and,
// when present, commit date and dirty state.
func Get() Info {
	out := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		out.GoVersion = bi.GoVersion
		out = withVCS(out, bi.Settings)
	}
	return out
}

func withVCS(out Info, settings []debug.BuildSetting) Info {
	for _, s := range settings {
		if s.Value == "" {
			continue
		}
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" {
				out.Commit = s.Value
			}
		case "vcs.time":
			out.CommitDate = s.Value
			if out.BuildDate == "" {
				out.BuildDate = s.Value
			}
		case "vcs.modified":
			if b, err := strconv.ParseBool(s.Value); err == nil {
				out.VCSDirty = &b
			}
		}
	}
	return out
}
