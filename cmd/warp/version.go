package main

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// buildInfo is what `warp version` reports. The API server and the heavy
// backend log the same version, so a mismatched pair shows up in logs.
type buildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuiltAt   string `json:"builtAt"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// currentBuild fills the commit from the embedded VCS stamp when the
// binary was built without ldflags, as `go install` does.
func currentBuild() buildInfo {
	bi := buildInfo{
		Version:   version,
		Commit:    commit,
		BuiltAt:   date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi.Commit != "none" {
		return bi
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				bi.Commit = s.Value
			case "vcs.time":
				if bi.BuiltAt == "unknown" {
					bi.BuiltAt = s.Value
				}
			}
		}
	}
	return bi
}

func (b buildInfo) write(out io.Writer, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	}
	_, err := fmt.Fprintf(out, "warp %s\n  commit: %s\n  built:  %s\n  go:     %s %s\n",
		b.Version, b.Commit, b.BuiltAt, b.GoVersion, b.Platform)
	return err
}

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information for the API server and heavy backend binary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return currentBuild().write(cmd.OutOrStdout(), versionJSON)
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print build information as JSON")
}
