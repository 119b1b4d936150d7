package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestPseudoVersionFromVCS(t *testing.T) {
	info := &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-03-01T10:20:30Z"},
		{Key: "vcs.modified", Value: "true"},
	}}
	rev, modified := vcsState(info)
	if got := pseudoVersion(info, rev, modified); got != "v0.0.0-20260301102030-0123456789ab+dirty" {
		t.Fatalf("unexpected pseudo version %q", got)
	}
	if got := pseudoVersion(&debug.BuildInfo{}, "", false); got != "" {
		t.Fatalf("expected empty version without vcs data, got %q", got)
	}
}

func TestBuildVersionOverride(t *testing.T) {
	prev := buildVersion
	buildVersion = "v1.2.3"
	t.Cleanup(func() { buildVersion = prev })
	if got := Current(); got != "v1.2.3" {
		t.Fatalf("expected linker version, got %q", got)
	}
	if info := Read(); !strings.HasPrefix(info.GoVersion, "go") || info.Module == "" {
		t.Fatalf("unexpected build info %+v", info)
	}
}
