package version

import "testing"

func TestFullIncludesBuildInfo(t *testing.T) {
	prevVersion, prevCommit := Version, Commit
	t.Cleanup(func() { Version, Commit = prevVersion, prevCommit })

	Version, Commit = "1.2.3", "abc123"
	if got := Full(); got != "swproxy 1.2.3 (abc123)" {
		t.Fatalf("unexpected version string %q", got)
	}
}
