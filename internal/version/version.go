// Package version reports the build identity of the itinerd binary.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/itinerd"

// buildVersion is set via -ldflags "-X pkt.systems/itinerd/internal/version.buildVersion=...".
var buildVersion = ""

// Info is the build identity printed by `itinerd version` and attached to
// telemetry resources.
type Info struct {
	Version   string `json:"version"`
	Module    string `json:"module"`
	Revision  string `json:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"goVersion"`
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

// Module returns the module path from build info when available.
func Module() string {
	return Read().Module
}

// Read collects the build identity from linker flags and debug.BuildInfo.
func Read() Info {
	out := Info{
		Version:   "v0.0.0-unknown",
		Module:    defaultModule,
		GoVersion: runtime.Version(),
	}
	info, ok := debug.ReadBuildInfo()
	if ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
		out.Revision, out.Modified = vcsState(info)
	}
	switch {
	case strings.TrimSpace(buildVersion) != "":
		out.Version = buildVersion
	case ok && info.Main.Version != "" && info.Main.Version != "(devel)":
		out.Version = info.Main.Version
	case ok:
		if v := pseudoVersion(info, out.Revision, out.Modified); v != "" {
			out.Version = v
		}
	}
	return out
}

func vcsState(info *debug.BuildInfo) (string, bool) {
	var revision string
	var modified bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	return revision, modified
}

func pseudoVersion(info *debug.BuildInfo, revision string, modified bool) string {
	var vcsTime string
	for _, setting := range info.Settings {
		if setting.Key == "vcs.time" {
			vcsTime = setting.Value
		}
	}
	if revision == "" || vcsTime == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, vcsTime)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + revision
	if modified {
		ver += "+dirty"
	}
	return ver
}
