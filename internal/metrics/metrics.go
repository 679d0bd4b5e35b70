package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector provides a minimal Prometheus-compatible metrics exporter.
type Collector struct {
	startedAt time.Time

	sandboxRuns     counterVec // failure
	sandboxMillis  atomic.Uint64
	commands        counterVec // kind, outcome
	schedulerRuns   counterVec // status
	suppressions    counterVec // group
	messagesSent    atomic.Uint64
	messagesSendErr atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

// RecordSandboxRun counts one sandbox invocation. failure is empty for a
// successful run.
func (c *Collector) RecordSandboxRun(failure string, d time.Duration) {
	if c == nil {
		return
	}
	if failure == "" {
		failure = "none"
	}
	c.sandboxRuns.inc(failure)
	c.sandboxMillis.Add(uint64(d.Milliseconds()))
}

func (c *Collector) RecordCommand(kind, outcome string) {
	if c == nil {
		return
	}
	c.commands.inc(orUnknown(kind), orUnknown(outcome))
}

func (c *Collector) RecordSchedulerRun(status string) {
	if c == nil {
		return
	}
	c.schedulerRuns.inc(orUnknown(status))
}

func (c *Collector) RecordStrangerSuppression(folder string) {
	if c == nil {
		return
	}
	c.suppressions.inc(orUnknown(folder))
}

type HandlerOptions struct {
	GroupCount func() int
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP kinshell_up Whether the kinshell host is running.\n")
		fmt.Fprint(w, "# TYPE kinshell_up gauge\n")
		fmt.Fprint(w, "kinshell_up 1\n")

		fmt.Fprint(w, "# HELP kinshell_uptime_seconds Seconds since the host started.\n")
		fmt.Fprint(w, "# TYPE kinshell_uptime_seconds gauge\n")
		fmt.Fprintf(w, "kinshell_uptime_seconds %d\n", int64(time.Since(c.startedAt).Seconds()))

		c.sandboxRuns.write(w, "kinshell_sandbox_runs_total", "Sandbox invocations by failure kind.", "failure")

		fmt.Fprint(w, "# HELP kinshell_sandbox_run_seconds_total Wall time spent in sandbox invocations.\n")
		fmt.Fprint(w, "# TYPE kinshell_sandbox_run_seconds_total counter\n")
		fmt.Fprintf(w, "kinshell_sandbox_run_seconds_total %.3f\n", float64(c.sandboxMillis.Load())/1000)

		c.commands.write(w, "kinshell_ipc_commands_total", "Command-channel files processed.", "kind", "outcome")
		c.schedulerRuns.write(w, "kinshell_scheduler_runs_total", "Scheduled task runs by status.", "status")
		c.suppressions.write(w, "kinshell_stranger_suppressions_total", "Message batches dropped because strangers were present.", "group")

		fmt.Fprint(w, "# HELP kinshell_messages_sent_total Messages handed to the transport.\n")
		fmt.Fprint(w, "# TYPE kinshell_messages_sent_total counter\n")
		fmt.Fprintf(w, "kinshell_messages_sent_total %d\n", c.messagesSent.Load())

		fmt.Fprint(w, "# HELP kinshell_messages_send_errors_total Transport send failures.\n")
		fmt.Fprint(w, "# TYPE kinshell_messages_send_errors_total counter\n")
		fmt.Fprintf(w, "kinshell_messages_send_errors_total %d\n", c.messagesSendErr.Load())

		if opts.GroupCount != nil {
			fmt.Fprint(w, "# HELP kinshell_groups_registered Registered groups.\n")
			fmt.Fprint(w, "# TYPE kinshell_groups_registered gauge\n")
			fmt.Fprintf(w, "kinshell_groups_registered %d\n", opts.GroupCount())
		}
	})
}

// counterVec is a set of counters keyed by label values joined with \x00.
type counterVec struct {
	m sync.Map // string -> *atomic.Uint64
}

func (v *counterVec) inc(labels ...string) {
	ptr, _ := v.m.LoadOrStore(strings.Join(labels, "\x00"), &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

func (v *counterVec) get(labels ...string) uint64 {
	ptr, ok := v.m.Load(strings.Join(labels, "\x00"))
	if !ok {
		return 0
	}
	return ptr.(*atomic.Uint64).Load()
}

func (v *counterVec) write(w io.Writer, name, help string, labelNames ...string) {
	keys := snapshotKeys(&v.m)
	if len(keys) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, k := range keys {
		values := strings.Split(k, "\x00")
		pairs := make([]string, 0, len(labelNames))
		for i, ln := range labelNames {
			val := ""
			if i < len(values) {
				val = values[i]
			}
			pairs = append(pairs, fmt.Sprintf("%s=\"%s\"", ln, escapeLabelValue(val)))
		}
		ptr, _ := v.m.Load(k)
		n := uint64(0)
		if ptr != nil {
			n = ptr.(*atomic.Uint64).Load()
		}
		fmt.Fprintf(w, "%s{%s} %d\n", name, strings.Join(pairs, ","), n)
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
