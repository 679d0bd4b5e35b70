package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kinshell/kinshell/pkg/types"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// FailureKind classifies an error result.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureSetup     FailureKind = "setup"
	FailureSpawn     FailureKind = "spawn"
	FailureExit      FailureKind = "exit"
	FailureTimeout   FailureKind = "timeout"
	FailureParse     FailureKind = "parse"
	FailureAgent     FailureKind = "agent"
	FailureCancelled FailureKind = "cancelled"
)

// Result is the outcome of one sandbox invocation.
type Result struct {
	Status       Status
	Result       *string
	NewSessionID string
	Error        string
	Failure      FailureKind
	ExitCode     int
	Duration     time.Duration
	LogPath      string
}

func (r Result) OK() bool { return r.Status == StatusSuccess }

// Text returns the result text, or "" when there is none.
func (r Result) Text() string {
	if r.Result == nil {
		return ""
	}
	return *r.Result
}

// Request describes one invocation.
type Request struct {
	Group           types.Group
	Tier            types.Tier
	Prompt          string
	ChannelID       string
	IsScheduledTask bool
	// Isolated runs without resuming or persisting a session.
	Isolated bool
}

// SessionStore persists agent session ids by session key.
type SessionStore interface {
	GetSession(ctx context.Context, key string) (string, error)
	SetSession(ctx context.Context, key, sessionID string) error
}

// RunRecorder observes finished runs.
type RunRecorder interface {
	RecordSandboxRun(failure string, d time.Duration)
}

type Options struct {
	Runtime   Runtime
	Composer  *Composer
	Sessions  SessionStore
	Image     string
	Command   []string
	Timeout   time.Duration
	KillGrace time.Duration // how long a killed sandbox may take to exit
	MaxOutput int64
	LogsDir   string
	Verbose   bool
	Recorder  RunRecorder
	Now       func() time.Time
	Logger    *slog.Logger
}

// Orchestrator runs agent sandboxes.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Runtime == nil {
		return nil, errors.New("sandbox: runtime is required")
	}
	if opts.Composer == nil {
		return nil, errors.New("sandbox: composer is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 10 * time.Second
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = 10_000_000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{opts: opts, logger: logger}, nil
}

// Runtime exposes the configured runtime for startup checks.
func (o *Orchestrator) Runtime() Runtime { return o.opts.Runtime }

// Run executes one invocation to completion. It never returns an error;
// every failure is reported as an error Result.
func (o *Orchestrator) Run(ctx context.Context, req Request) Result {
	start := o.opts.Now()
	rec := runRecord{req: req, start: start}
	res := o.run(ctx, req, &rec)
	res.Duration = o.opts.Now().Sub(start)
	rec.duration = res.Duration

	if o.opts.LogsDir != "" {
		path, err := writeRunLog(o.opts.LogsDir, &rec, res, o.opts.Verbose)
		if err != nil {
			o.logger.Warn("write run log", "group", req.Group.Folder, "error", err)
		} else {
			res.LogPath = path
		}
	}
	if o.opts.Recorder != nil {
		o.opts.Recorder.RecordSandboxRun(string(res.Failure), res.Duration)
	}

	attrs := []any{"group", req.Group.Folder, "tier", req.Tier, "duration_ms", res.Duration.Milliseconds(), "status", res.Status}
	if res.OK() {
		o.logger.Info("sandbox run finished", attrs...)
	} else {
		o.logger.Warn("sandbox run failed", append(attrs, "failure", res.Failure, "error", res.Error)...)
	}
	return res
}

func (o *Orchestrator) run(ctx context.Context, req Request, rec *runRecord) Result {
	mounts, err := o.opts.Composer.Compose(req.Group, req.Tier)
	if err != nil {
		return failed(FailureSetup, fmt.Sprintf("prepare sandbox: %v", err))
	}
	rec.mounts = mounts

	sessionKey := SessionKey(req.Tier, req.Group.Folder)
	sessionID := ""
	if !req.Isolated && o.opts.Sessions != nil {
		if sessionID, err = o.opts.Sessions.GetSession(ctx, sessionKey); err != nil {
			o.logger.Warn("load session; starting fresh", "key", sessionKey, "error", err)
			sessionID = ""
		}
	}

	in := Input{
		Prompt:          req.Prompt,
		SessionID:       sessionID,
		GroupFolder:     req.Group.Folder,
		ChannelID:       req.ChannelID,
		IsMain:          req.Group.IsMain(),
		Tier:            req.Tier,
		IsScheduledTask: req.IsScheduledTask,
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return failed(FailureSetup, fmt.Sprintf("encode input: %v", err))
	}
	rec.input = payload
	rec.sessionID = sessionID

	timeout := o.opts.Timeout
	if cc := req.Group.ContainerConfig; cc != nil && time.Duration(cc.Timeout) > 0 {
		timeout = time.Duration(cc.Timeout)
	}

	stdout := newCaptureWriter(o.opts.MaxOutput)
	stderr := newCaptureWriter(o.opts.MaxOutput)
	rec.stdout, rec.stderr = stdout, stderr

	spec := Spec{
		Name:    fmt.Sprintf("kinshell-%s-%d", req.Group.Folder, rec.start.UnixMilli()),
		Image:   o.opts.Image,
		Command: o.opts.Command,
		Mounts:  mounts,
		Labels:  map[string]string{"kinshell.group": req.Group.Folder, "kinshell.tier": string(req.Tier)},
	}
	proc, err := o.opts.Runtime.Start(ctx, spec, stdout, stderr)
	if err != nil {
		return failed(FailureSpawn, fmt.Sprintf("spawn sandbox: %v", err))
	}

	go func() {
		w := proc.Stdin()
		if _, err := w.Write(payload); err != nil {
			o.logger.Debug("write sandbox stdin", "group", req.Group.Folder, "error", err)
		}
		_ = w.Close()
	}()

	type exit struct {
		code int
		err  error
	}
	done := make(chan exit, 1)
	go func() {
		code, err := proc.Wait()
		done <- exit{code, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// reap kills the sandbox and waits at most KillGrace for it to exit.
	reap := func() (exit, bool) {
		o.kill(proc, req.Group.Folder)
		grace := time.NewTimer(o.opts.KillGrace)
		defer grace.Stop()
		select {
		case ex := <-done:
			return ex, true
		case <-grace.C:
			o.logger.Error("sandbox did not exit after kill", "group", req.Group.Folder, "name", spec.Name, "grace", o.opts.KillGrace)
			return exit{code: -1}, false
		}
	}

	var ex exit
	reaped := true
	select {
	case ex = <-done:
	case <-timer.C:
		rec.timedOut = true
		ex, reaped = reap()
	case <-ctx.Done():
		ex, reaped = reap()
		rec.exitCode = ex.code
		r := failed(FailureCancelled, "sandbox cancelled: "+ctx.Err().Error())
		if !reaped {
			r.Error += " (sandbox did not exit after kill)"
		}
		r.ExitCode = ex.code
		return r
	}
	rec.exitCode = ex.code

	if rec.timedOut {
		r := failed(FailureTimeout, fmt.Sprintf("sandbox timed out after %s", timeout))
		if !reaped {
			r.Error += " (sandbox did not exit after kill)"
		}
		r.ExitCode = ex.code
		return r
	}
	if ex.err != nil {
		r := failed(FailureExit, fmt.Sprintf("sandbox wait: %v", ex.err))
		r.ExitCode = ex.code
		return r
	}
	if ex.code != 0 {
		r := failed(FailureExit, fmt.Sprintf("sandbox exited with code %d: %s", ex.code, tail(stderr.String(), 200)))
		r.ExitCode = ex.code
		return r
	}

	out, err := ParseOutput(stdout.String())
	if err != nil {
		msg := fmt.Sprintf("failed to parse sandbox output: %v", err)
		if stdout.Truncated() {
			msg += " (output truncated)"
		}
		return failed(FailureParse, msg)
	}

	if out.NewSessionID != "" && !req.Isolated && o.opts.Sessions != nil {
		if err := o.opts.Sessions.SetSession(ctx, sessionKey, out.NewSessionID); err != nil {
			o.logger.Warn("persist session", "key", sessionKey, "error", err)
		}
	}
	res := Result{
		Status:       Status(out.Status),
		Result:       out.Result,
		NewSessionID: out.NewSessionID,
		Error:        out.Error,
	}
	if res.Status == StatusError {
		res.Failure = FailureAgent
		if res.Error == "" {
			res.Error = "agent reported an error"
		}
	}
	return res
}

func (o *Orchestrator) kill(p Process, folder string) {
	if err := p.Kill(); err != nil {
		o.logger.Warn("kill sandbox", "group", folder, "error", err)
	}
}

func failed(kind FailureKind, msg string) Result {
	return Result{Status: StatusError, Failure: kind, Error: msg}
}

// tail returns at most the last n bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
