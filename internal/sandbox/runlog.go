package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kinshell/kinshell/pkg/types"
)

type runRecord struct {
	req       Request
	start     time.Time
	duration  time.Duration
	mounts    []types.Mount
	input     []byte
	sessionID string
	exitCode  int
	timedOut  bool
	stdout    *captureWriter
	stderr    *captureWriter
}

// writeRunLog writes logs/<folder>/run-<timestamp>.log. Full input and
// output are included only in verbose mode or when the run failed.
func writeRunLog(logsDir string, rec *runRecord, res Result, verbose bool) (string, error) {
	dir := filepath.Join(logsDir, rec.req.Group.Folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}
	stamp := strings.NewReplacer(":", "-", ".", "-").Replace(rec.start.UTC().Format("2006-01-02T15:04:05.000Z"))
	path := filepath.Join(dir, "run-"+stamp+".log")

	var b strings.Builder
	fmt.Fprintln(&b, "=== Sandbox Run Log ===")
	fmt.Fprintf(&b, "Timestamp: %s\n", rec.start.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "Group: %s\n", rec.req.Group.Folder)
	fmt.Fprintf(&b, "Tier: %s\n", rec.req.Tier)
	fmt.Fprintf(&b, "IsMain: %t\n", rec.req.Group.IsMain())
	fmt.Fprintf(&b, "Scheduled: %t\n", rec.req.IsScheduledTask)
	fmt.Fprintf(&b, "Duration: %dms\n", rec.duration.Milliseconds())
	fmt.Fprintf(&b, "Exit Code: %d\n", rec.exitCode)
	fmt.Fprintf(&b, "Timed Out: %t\n", rec.timedOut)
	fmt.Fprintf(&b, "Status: %s\n", res.Status)
	if res.Failure != FailureNone {
		fmt.Fprintf(&b, "Failure: %s\n", res.Failure)
		fmt.Fprintf(&b, "Error: %s\n", res.Error)
	}
	if rec.stdout != nil {
		fmt.Fprintf(&b, "Stdout Bytes: %d (truncated: %t)\n", rec.stdout.Total(), rec.stdout.Truncated())
		fmt.Fprintf(&b, "Stderr Bytes: %d (truncated: %t)\n", rec.stderr.Total(), rec.stderr.Truncated())
	}

	fmt.Fprintln(&b, "\n=== Input Summary ===")
	fmt.Fprintf(&b, "Prompt length: %d chars\n", len(rec.req.Prompt))
	fmt.Fprintf(&b, "Session ID: %s\n", orNone(rec.sessionID))

	fmt.Fprintln(&b, "\n=== Mounts ===")
	for _, m := range rec.mounts {
		mode := "rw"
		if m.Readonly {
			mode = "ro"
		}
		fmt.Fprintf(&b, "%s -> %s (%s)\n", m.HostPath, m.ContainerPath, mode)
	}

	if verbose || !res.OK() {
		fmt.Fprintln(&b, "\n=== Input ===")
		b.Write(rec.input)
		b.WriteByte('\n')
		if rec.stderr != nil {
			fmt.Fprintln(&b, "\n=== Stderr ===")
			b.WriteString(rec.stderr.String())
			fmt.Fprintln(&b, "\n=== Stdout ===")
			b.WriteString(rec.stdout.String())
			b.WriteByte('\n')
		}
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write run log: %w", err)
	}
	return path, nil
}

func orNone(s string) string {
	if s == "" {
		return "new"
	}
	return s
}
