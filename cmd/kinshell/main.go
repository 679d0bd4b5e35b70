// Command kinshell runs the family assistant host and its admin CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"

	"github.com/kinshell/kinshell/internal/cli"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = ""
	commit  = ""
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stderr))
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	root := cli.NewRoot(buildVersion(version, commit, readBuildInfo()))
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	code, msg := 1, err.Error()
	var ee *cli.ExitError
	if errors.As(err, &ee) {
		code, msg = ee.Code(), ee.Message()
	}
	if msg != "" {
		fmt.Fprintln(stderr, "kinshell:", msg)
	}
	return code
}

func readBuildInfo() *debug.BuildInfo {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	return bi
}

// buildVersion prefers linker-supplied values and falls back to the
// module version and VCS stamp recorded by the go tool.
func buildVersion(v, rev string, bi *debug.BuildInfo) string {
	dirty := false
	if bi != nil {
		if v == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			v = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if rev == "" {
					rev = s.Value
				}
			case "vcs.modified":
				dirty = s.Value == "true"
			}
		}
	}
	if v == "" {
		v = "dev"
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if rev != "" && !strings.Contains(v, rev) {
		v += "+" + rev
	}
	if dirty {
		v += ".dirty"
	}
	return v
}
