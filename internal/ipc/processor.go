package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kinshell/kinshell/internal/quarantine"
	"github.com/kinshell/kinshell/internal/registry"
	"github.com/kinshell/kinshell/internal/sandbox"
	"github.com/kinshell/kinshell/internal/scheduler"
	"github.com/kinshell/kinshell/internal/store"
	"github.com/kinshell/kinshell/pkg/types"
)

// ErrUnsafeDir marks a queue or responses directory that is a symlink or
// not a directory.
var ErrUnsafeDir = errors.New("ipc path is not a plain directory")

// ErrorsDirName is the quarantine directory under the IPC root. It is
// never treated as a namespace.
const ErrorsDirName = "errors"

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

type Store interface {
	GroupByFolder(ctx context.Context, folder string) (types.Group, error)
	GroupByChannel(ctx context.Context, channelID string) (types.Group, error)
	PutGroup(ctx context.Context, g types.Group) error
	ListChats(ctx context.Context) ([]types.Chat, error)
	GetTask(ctx context.Context, id string) (types.ScheduledTask, error)
}

type Registry interface {
	Snapshot(ctx context.Context) (*registry.Snapshot, error)
	Add(ctx context.Context, tier types.Tier, identity, displayName, addedBy string) (types.Principal, error)
	Remove(ctx context.Context, identity string) (types.Principal, error)
}

type Tasks interface {
	CreateTask(ctx context.Context, spec scheduler.TaskSpec) (types.ScheduledTask, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

type Sender interface {
	Send(ctx context.Context, channelID, text string) error
}

// Directory refreshes channel metadata from the transport.
type Directory interface {
	Refresh(ctx context.Context) error
}

// SendLimiter bounds how fast one namespace may send messages.
type SendLimiter interface {
	Allow(key string) bool
}

// Recorder observes command outcomes.
type Recorder interface {
	RecordCommand(kind, outcome string)
}

type Options struct {
	Root          string
	Store         Store
	Registry      Registry
	Tasks         Tasks
	Sender        Sender
	Directory     Directory
	Quarantine    *quarantine.Dir
	AssistantName string
	SendLimiter   SendLimiter
	Recorder      Recorder
	Logger        *slog.Logger
}

// Stats summarizes one drain pass.
type Stats struct {
	Applied     int
	Quarantined int
	// Refused counts queues and files skipped because a directory in the
	// namespace was not a plain directory.
	Refused int
}

// Processor drains command files: decode, authorize by namespace, apply,
// then delete on success or quarantine on any failure.
type Processor struct {
	opts   Options
	logger *slog.Logger
}

func NewProcessor(opts Options) (*Processor, error) {
	if opts.Root == "" {
		return nil, errors.New("ipc: root is required")
	}
	if opts.Store == nil {
		return nil, errors.New("ipc: store is required")
	}
	if opts.Quarantine == nil {
		opts.Quarantine = quarantine.New(filepath.Join(opts.Root, ErrorsDirName))
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{opts: opts, logger: logger}, nil
}

func (p *Processor) Root() string { return p.opts.Root }

// Namespaces lists the namespace directories currently present.
func (p *Processor) Namespaces() ([]string, error) {
	entries, err := os.ReadDir(p.opts.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ipc root: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != ErrorsDirName && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// DrainOnce processes every pending file once, namespaces and files in
// lexical order.
func (p *Processor) DrainOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	namespaces, err := p.Namespaces()
	if err != nil {
		return stats, err
	}
	for _, ns := range namespaces {
		if err := p.drainNamespace(ctx, ns, &stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// drainNamespace works through an os.Root so that nothing the sandbox
// places in its namespace can redirect host file operations outside it.
func (p *Processor) drainNamespace(ctx context.Context, ns string, stats *Stats) error {
	root, err := os.OpenRoot(filepath.Join(p.opts.Root, ns))
	if err != nil {
		p.logger.Warn("open ipc namespace", "namespace", ns, "error", err)
		return nil
	}
	defer root.Close()

	for _, q := range []Queue{QueueMessages, QueueTasks} {
		files, err := pendingFiles(root, string(q))
		if err != nil {
			if errors.Is(err, ErrUnsafeDir) {
				stats.Refused++
				p.logger.Error("refusing ipc queue", "namespace", ns, "queue", q, "error", err)
			} else {
				p.logger.Warn("list ipc queue", "namespace", ns, "queue", q, "error", err)
			}
			continue
		}
		for _, name := range files {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			switch p.handle(ctx, root, ns, q, name) {
			case handledApplied:
				stats.Applied++
			case handledQuarantined:
				stats.Quarantined++
			default:
				stats.Refused++
			}
		}
	}
	return nil
}

// checkDir requires dir, relative to root, to be a directory and not a
// symlink.
func checkDir(root *os.Root, dir string) error {
	fi, err := root.Lstat(dir)
	if err != nil {
		return err
	}
	if fi.Mode()&fs.ModeSymlink != 0 || !fi.IsDir() {
		return fmt.Errorf("%w: %s", ErrUnsafeDir, dir)
	}
	return nil
}

func pendingFiles(root *os.Root, dir string) ([]string, error) {
	if err := checkDir(root, dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	f, err := root.Open(dir)
	if err != nil {
		return nil, err
	}
	entries, err := f.ReadDir(-1)
	_ = f.Close()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".json") && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

type handled int

const (
	handledApplied handled = iota
	handledQuarantined
	handledRefused
)

func (p *Processor) handle(ctx context.Context, root *os.Root, ns string, q Queue, name string) handled {
	rel := filepath.Join(string(q), name)
	path := filepath.Join(p.opts.Root, ns, rel)
	kind := "unknown"
	err := func() error {
		data, err := root.ReadFile(rel)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		cmd, err := Decode(data, q)
		if err != nil {
			return err
		}
		kind = cmd.Kind()

		group, err := p.opts.Store.GroupByFolder(ctx, ns)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrUnknownNamespace, ns)
			}
			return fmt.Errorf("resolve namespace: %w", err)
		}
		a := &applier{p: p, root: root, src: SourceFor(group), ns: ns, stem: strings.TrimSuffix(name, ".json")}
		return Visit(ctx, cmd, a)
	}()

	if err == nil {
		if rmErr := root.Remove(rel); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			p.logger.Error("remove applied command", "path", path, "error", rmErr)
		}
		p.record(kind, "applied")
		p.logger.Info("ipc command applied", "namespace", ns, "type", kind, "file", name)
		return handledApplied
	}

	// The quarantine move works on host paths, so the queue must still be
	// the directory that was listed.
	if dirErr := checkDir(root, string(q)); dirErr != nil {
		p.logger.Error("ipc queue changed while processing; leaving file", "namespace", ns, "queue", q, "error", dirErr)
		return handledRefused
	}

	outcome := "quarantined"
	switch {
	case errors.Is(err, ErrUnauthorized):
		outcome = "denied"
		p.logger.Warn("ipc command denied", "namespace", ns, "type", kind, "file", name, "error", err)
	case errors.Is(err, ErrRateLimited):
		outcome = "rate_limited"
		p.logger.Warn("ipc command rate limited", "namespace", ns, "type", kind, "file", name)
	default:
		p.logger.Warn("ipc command failed", "namespace", ns, "type", kind, "file", name, "error", err)
	}
	p.record(kind, outcome)
	if _, qErr := p.opts.Quarantine.Divert(path, ns, err.Error()); qErr != nil {
		// Failed files never stay in the queue.
		p.logger.Error("quarantine command; removing", "path", path, "error", qErr)
		_ = root.Remove(rel)
	}
	return handledQuarantined
}

func (p *Processor) record(kind, outcome string) {
	if p.opts.Recorder != nil {
		p.opts.Recorder.RecordCommand(kind, outcome)
	}
}

// applier executes commands on behalf of one verified source.
type applier struct {
	p    *Processor
	root *os.Root
	src  Source
	ns   string
	stem string
}

var _ Visitor = (*applier)(nil)

func (a *applier) deny(kind string) error {
	return fmt.Errorf("%w: %s from %s (%s)", ErrUnauthorized, kind, a.src.Folder, a.src.Tier)
}

func (a *applier) SendMessage(ctx context.Context, c *SendMessage) error {
	if strings.TrimSpace(c.Text) == "" || c.ChannelID == "" {
		return fmt.Errorf("%w: message needs channel_id and text", ErrInvalidCommand)
	}
	target, err := a.p.opts.Store.GroupByChannel(ctx, c.ChannelID)
	if err != nil {
		return a.targetErr("channel", c.ChannelID, err)
	}
	if !Allowed(a.src, ActionSendMessage, target.Folder) {
		return a.deny(c.Kind())
	}
	if a.p.opts.Sender == nil {
		return errors.New("no transport configured")
	}
	if l := a.p.opts.SendLimiter; l != nil && !l.Allow(a.src.Folder) {
		return fmt.Errorf("%w: %s", ErrRateLimited, a.src.Folder)
	}
	text := c.Text
	if a.p.opts.AssistantName != "" {
		text = a.p.opts.AssistantName + ": " + text
	}
	if err := a.p.opts.Sender.Send(ctx, target.ChannelID, text); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (a *applier) ScheduleTask(ctx context.Context, c *ScheduleTask) error {
	if !MayAttempt(a.src, ActionManageTask) {
		return a.deny(c.Kind())
	}
	folder := c.TargetFolder
	if folder == "" {
		folder = a.src.Folder
	}
	target, err := a.p.opts.Store.GroupByFolder(ctx, folder)
	if err != nil {
		return a.targetErr("group", folder, err)
	}
	if !Allowed(a.src, ActionManageTask, target.Folder) {
		return a.deny(c.Kind())
	}
	if a.p.opts.Tasks == nil {
		return errors.New("no scheduler configured")
	}
	task, err := a.p.opts.Tasks.CreateTask(ctx, scheduler.TaskSpec{
		GroupFolder:   target.Folder,
		TargetChannel: target.ChannelID,
		Prompt:        c.Prompt,
		Kind:          c.ScheduleType,
		Value:         c.ScheduleValue,
		ContextMode:   c.ContextMode,
	})
	if err != nil {
		return err
	}
	if c.RequestID() != "" {
		return a.respond(c, map[string]any{"task_id": task.ID, "next_run": task.NextRun})
	}
	return nil
}

// resolveTask loads a task and checks the source may act on it.
func (a *applier) resolveTask(ctx context.Context, kind, id string) error {
	if !MayAttempt(a.src, ActionManageTask) {
		return a.deny(kind)
	}
	if id == "" {
		return fmt.Errorf("%w: task_id is required", ErrInvalidCommand)
	}
	task, err := a.p.opts.Store.GetTask(ctx, id)
	if err != nil {
		return a.targetErr("task", id, err)
	}
	if !Allowed(a.src, ActionManageTask, task.GroupFolder) {
		return a.deny(kind)
	}
	if a.p.opts.Tasks == nil {
		return errors.New("no scheduler configured")
	}
	return nil
}

func (a *applier) PauseTask(ctx context.Context, c *PauseTask) error {
	if err := a.resolveTask(ctx, c.Kind(), c.TaskID); err != nil {
		return err
	}
	return a.p.opts.Tasks.Pause(ctx, c.TaskID)
}

func (a *applier) ResumeTask(ctx context.Context, c *ResumeTask) error {
	if err := a.resolveTask(ctx, c.Kind(), c.TaskID); err != nil {
		return err
	}
	return a.p.opts.Tasks.Resume(ctx, c.TaskID)
}

func (a *applier) CancelTask(ctx context.Context, c *CancelTask) error {
	if err := a.resolveTask(ctx, c.Kind(), c.TaskID); err != nil {
		return err
	}
	return a.p.opts.Tasks.Cancel(ctx, c.TaskID)
}

func (a *applier) RefreshGroups(ctx context.Context, c *RefreshGroups) error {
	if !MayAttempt(a.src, ActionAdmin) {
		return a.deny(c.Kind())
	}
	if a.p.opts.Directory == nil {
		return errors.New("no group directory configured")
	}
	return a.p.opts.Directory.Refresh(ctx)
}

func (a *applier) RegisterGroup(ctx context.Context, c *RegisterGroup) error {
	if !MayAttempt(a.src, ActionAdmin) {
		return a.deny(c.Kind())
	}
	if !types.ValidFolder(c.Folder) {
		return fmt.Errorf("%w: folder %q", ErrInvalidCommand, c.Folder)
	}
	if c.ContextTier != nil && (!c.ContextTier.IsValid() || *c.ContextTier == types.TierStranger) {
		return fmt.Errorf("%w: context_tier %q", ErrInvalidCommand, *c.ContextTier)
	}
	chats, err := a.p.opts.Store.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("list chats: %w", err)
	}
	var chat *types.Chat
	for i := range chats {
		if chats[i].ChannelID == c.ChannelID {
			chat = &chats[i]
			break
		}
	}
	if chat == nil {
		return fmt.Errorf("%w: channel %s", ErrUnknownTarget, c.ChannelID)
	}
	if existing, err := a.p.opts.Store.GroupByFolder(ctx, c.Folder); err == nil && existing.ChannelID != c.ChannelID {
		return fmt.Errorf("%w: folder %s already belongs to %s", ErrInvalidCommand, c.Folder, existing.ChannelID)
	}
	name := c.Name
	if name == "" {
		name = chat.Name
	}
	g := types.Group{
		ChannelID:       chat.ChannelID,
		Name:            name,
		Folder:          c.Folder,
		Trigger:         c.Trigger,
		ContextTier:     c.ContextTier,
		ContainerConfig: c.ContainerConfig,
		AddedAt:         time.Now().UTC(),
	}
	if err := a.p.opts.Store.PutGroup(ctx, g); err != nil {
		return fmt.Errorf("register group: %w", err)
	}
	if _, err := sandbox.EnsureIPCNamespace(a.p.opts.Root, g.Folder); err != nil {
		return err
	}
	a.p.logger.Info("group registered", "folder", g.Folder, "channel", g.ChannelID, "by", a.src.Folder)
	return nil
}

func (a *applier) AddUser(ctx context.Context, c *AddUser) error {
	if !MayAttempt(a.src, ActionAdmin) {
		return a.deny(c.Kind())
	}
	if a.p.opts.Registry == nil {
		return errors.New("no registry configured")
	}
	p, err := a.p.opts.Registry.Add(ctx, c.Tier, c.Identity, c.DisplayName, "ipc:"+a.src.Folder)
	if err != nil {
		return fmt.Errorf("add user: %w", err)
	}
	a.p.logger.Info("user added", "identity", p.Identity, "tier", p.Tier, "by", a.src.Folder)
	return nil
}

func (a *applier) RemoveUser(ctx context.Context, c *RemoveUser) error {
	if !MayAttempt(a.src, ActionAdmin) {
		return a.deny(c.Kind())
	}
	if a.p.opts.Registry == nil {
		return errors.New("no registry configured")
	}
	p, err := a.p.opts.Registry.Remove(ctx, c.Identity)
	if errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("%w: user %s", ErrUnknownTarget, c.Identity)
	}
	if err != nil {
		return fmt.Errorf("remove user: %w", err)
	}
	a.p.logger.Info("user removed", "identity", p.Identity, "by", a.src.Folder)
	return nil
}

type userView struct {
	Identity    string     `json:"identity"`
	DisplayName string     `json:"display_name,omitempty"`
	Tier        types.Tier `json:"tier"`
}

func (a *applier) ListUsers(ctx context.Context, c *ListUsers) error {
	if !MayAttempt(a.src, ActionListUsers) {
		return a.deny(c.Kind())
	}
	if a.p.opts.Registry == nil {
		return errors.New("no registry configured")
	}
	snap, err := a.p.opts.Registry.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	users := []userView{}
	for _, p := range snap.List() {
		users = append(users, userView{Identity: p.Identity, DisplayName: p.DisplayName, Tier: p.Tier})
	}
	return a.respond(c, map[string]any{"users": users})
}

func (a *applier) GetMyTier(_ context.Context, c *GetMyTier) error {
	return a.respond(c, map[string]any{"tier": a.src.Tier, "group": a.src.Folder, "is_main": a.src.IsMain})
}

func (a *applier) targetErr(what, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s %s", ErrUnknownTarget, what, id)
	}
	return fmt.Errorf("resolve %s %s: %w", what, id, err)
}

// respond writes responses/<request_id>.json in the source namespace. The
// command file's name is used when no request id was given.
func (a *applier) respond(c Command, body map[string]any) error {
	id := c.RequestID()
	if id == "" {
		id = a.stem
	}
	if !requestIDPattern.MatchString(id) {
		return fmt.Errorf("%w: request_id %q", ErrInvalidCommand, id)
	}
	body["type"] = c.Kind()
	body["request_id"] = id
	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	dir := sandbox.IPCResponsesDir
	err = checkDir(a.root, dir)
	if errors.Is(err, fs.ErrNotExist) {
		if mkErr := a.root.Mkdir(dir, 0o755); mkErr != nil && !errors.Is(mkErr, fs.ErrExist) {
			return fmt.Errorf("create responses dir: %w", mkErr)
		}
		err = checkDir(a.root, dir)
	}
	if err != nil {
		return fmt.Errorf("responses dir: %w", err)
	}
	final := filepath.Join(dir, id+".json")
	tmp := final + ".tmp"
	if err := a.root.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	if err := a.root.Rename(tmp, final); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
