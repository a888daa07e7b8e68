package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	got := Info()
	if !strings.HasPrefix(got, "bote "+Version) {
		t.Errorf("Info() = %q, want prefix %q", got, "bote "+Version)
	}
	if !strings.Contains(got, GitCommit) {
		t.Errorf("Info() = %q, missing commit", got)
	}
}

func TestMap(t *testing.T) {
	m := Map()
	for _, key := range []string{"version", "git_commit", "build_date", "go_version"} {
		if m[key] == "" {
			t.Errorf("Map()[%q] is empty", key)
		}
	}
	if Short() != m["version"] {
		t.Errorf("Short() = %q, want %q", Short(), m["version"])
	}
}
