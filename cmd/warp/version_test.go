package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestBuildInfoWrite(t *testing.T) {
	b := buildInfo{Version: "1.4.0", Commit: "abc123", BuiltAt: "2026-10-01", GoVersion: "go1.26.0", Platform: "linux/amd64"}

	var text bytes.Buffer
	if err := b.write(&text, false); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"warp 1.4.0", "commit: abc123", "built:  2026-10-01", "go1.26.0 linux/amd64"} {
		if !strings.Contains(text.String(), want) {
			t.Errorf("text output missing %q:\n%s", want, text.String())
		}
	}

	var raw bytes.Buffer
	if err := b.write(&raw, true); err != nil {
		t.Fatal(err)
	}
	var got buildInfo
	if err := json.Unmarshal(raw.Bytes(), &got); err != nil {
		t.Fatalf("decoding %q: %v", raw.String(), err)
	}
	if got != b {
		t.Errorf("json = %+v, want %+v", got, b)
	}
}

func TestCurrentBuildKeepsLinkerValues(t *testing.T) {
	oldVersion, oldCommit, oldDate := version, commit, date
	t.Cleanup(func() { version, commit, date = oldVersion, oldCommit, oldDate })
	version, commit, date = "2.0.0", "deadbeef", "2026-10-19"

	b := currentBuild()
	if b.Version != "2.0.0" || b.Commit != "deadbeef" || b.BuiltAt != "2026-10-19" || b.GoVersion == "" || !strings.Contains(b.Platform, "/") {
		t.Errorf("build = %+v", b)
	}
}
