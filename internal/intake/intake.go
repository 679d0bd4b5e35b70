// Package intake turns stored inbound messages into sandbox runs. Each tick
// looks at every registered group's messages newer than the last agent
// turn, gates on strangers, finds a trigger, and runs the agent.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kinshell/kinshell/internal/grouplock"
	"github.com/kinshell/kinshell/internal/policy"
	"github.com/kinshell/kinshell/internal/registry"
	"github.com/kinshell/kinshell/internal/sandbox"
	"github.com/kinshell/kinshell/internal/store"
	"github.com/kinshell/kinshell/internal/stranger"
	"github.com/kinshell/kinshell/internal/transport"
	"github.com/kinshell/kinshell/pkg/types"
)

const watermarkPrefix = "last_agent_ts:"

type Store interface {
	store.MessageStore
	store.StateStore
	ListGroups(ctx context.Context) ([]types.Group, error)
}

type Policy interface {
	CanInvoke(ctx context.Context, identity string, isGroupChat bool) policy.Decision
}

type Gate interface {
	Check(ctx context.Context, groupID string, participants []types.Participant, forceRefresh bool) stranger.Verdict
}

type Owners interface {
	Snapshot(ctx context.Context) (*registry.Snapshot, error)
}

type Runner interface {
	Run(ctx context.Context, req sandbox.Request) sandbox.Result
}

// Recorder observes gate suppressions.
type Recorder interface {
	RecordStrangerSuppression(folder string)
}

type Options struct {
	Store     Store
	Transport transport.Transport
	Policy    Policy
	Gate      Gate
	Registry  Owners
	Runner    Runner
	Locks     *grouplock.Locker

	AssistantName string
	// Trigger is used for groups without their own trigger.
	Trigger  string
	Recorder Recorder
	Now      func() time.Time
	Logger   *slog.Logger
}

type Intake struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

func New(opts Options) (*Intake, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("intake: store is required")
	case opts.Transport == nil:
		return nil, errors.New("intake: transport is required")
	case opts.Policy == nil || opts.Gate == nil:
		return nil, errors.New("intake: policy and gate are required")
	case opts.Runner == nil:
		return nil, errors.New("intake: runner is required")
	}
	if opts.Locks == nil {
		opts.Locks = grouplock.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{opts: opts, logger: logger, patterns: make(map[string]*regexp.Regexp)}, nil
}

// Tick processes every registered group once. Groups run concurrently;
// the group lock keeps runs for one group apart.
func (in *Intake) Tick(ctx context.Context) error {
	groups, err := in.opts.Store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	var wg sync.WaitGroup
	errs := make([]error, len(groups))
	for i, g := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := in.ProcessGroup(ctx, g); err != nil {
				errs[i] = fmt.Errorf("%s: %w", g.Folder, err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Watermark returns the timestamp of the newest message the agent has
// handled for folder.
func (in *Intake) Watermark(ctx context.Context, folder string) (time.Time, error) {
	v, err := in.opts.Store.GetState(ctx, watermarkPrefix+folder)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		in.logger.Warn("intake: discarding unreadable watermark", "group", folder, "value", v)
		return time.Time{}, nil
	}
	return t, nil
}

func (in *Intake) advance(ctx context.Context, folder string, ts time.Time) error {
	return in.opts.Store.SetState(ctx, watermarkPrefix+folder, ts.UTC().Format(time.RFC3339Nano))
}

// ProcessGroup handles the pending messages of one group.
func (in *Intake) ProcessGroup(ctx context.Context, g types.Group) error {
	since, err := in.Watermark(ctx, g.Folder)
	if err != nil {
		return err
	}
	all, err := in.opts.Store.MessagesSince(ctx, []string{g.ChannelID}, since)
	if err != nil {
		return err
	}
	msgs := all[:0:0]
	for _, m := range all {
		if !m.FromAssistant {
			msgs = append(msgs, m)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	last := msgs[len(msgs)-1].Timestamp

	participants, err := in.opts.Transport.Participants(ctx, g.ChannelID)
	if err != nil {
		in.logger.Warn("intake: participants unavailable, retrying next tick", "group", g.Folder, "error", err)
		return nil
	}
	verdict := in.opts.Gate.Check(ctx, g.ChannelID, withSenders(participants, msgs), false)
	if verdict.HasStrangers {
		in.logger.Warn("intake: strangers present, dropping messages", "group", g.Folder, "messages", len(msgs), "strangers", len(verdict.Strangers))
		if in.opts.Recorder != nil {
			in.opts.Recorder.RecordStrangerSuppression(g.Folder)
		}
		if verdict.Refreshed {
			in.notifyOwner(ctx, g, verdict.Strangers)
		}
		return in.advance(ctx, g.Folder, last)
	}

	trigger, ok := in.findTrigger(ctx, g, msgs)
	if !ok {
		return nil
	}
	tier := policy.EffectiveContext(trigger.Tier, g.ContextTier)

	unlock, err := in.opts.Locks.Lock(ctx, g.Folder)
	if err != nil {
		return err
	}
	defer unlock()

	in.logger.Info("intake: running agent", "group", g.Folder, "tier", tier, "messages", len(msgs))
	res := in.opts.Runner.Run(ctx, sandbox.Request{
		Group:     g,
		Tier:      tier,
		Prompt:    FormatPrompt(msgs),
		ChannelID: g.ChannelID,
	})
	if !res.OK() {
		return fmt.Errorf("agent run failed (%s): %s", res.Failure, res.Error)
	}
	if err := in.advance(ctx, g.Folder, last); err != nil {
		return err
	}
	if text := strings.TrimSpace(res.Text()); text != "" {
		in.reply(ctx, g, text)
	}
	return nil
}

// withSenders adds the senders of msgs to the participant list. Someone
// who posted counts as present even when the transport's membership has
// not caught up with them.
func withSenders(participants []types.Participant, msgs []types.Message) []types.Participant {
	seen := make(map[string]bool, len(participants))
	out := append([]types.Participant(nil), participants...)
	for _, p := range participants {
		seen[registry.Normalize(p.Identity)] = true
	}
	for _, m := range msgs {
		id := registry.Normalize(m.SenderIdentity)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, types.Participant{Identity: m.SenderIdentity, DisplayName: m.SenderDisplayName})
	}
	return out
}

// findTrigger returns the decision for the newest message that may start a
// turn.
func (in *Intake) findTrigger(ctx context.Context, g types.Group, msgs []types.Message) (policy.Decision, bool) {
	re := in.pattern(g)
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if !g.IsMain() && !re.MatchString(strings.TrimSpace(m.Text)) {
			continue
		}
		d := in.opts.Policy.CanInvoke(ctx, m.SenderIdentity, !g.IsMain())
		if d.CanInvoke {
			return d, true
		}
		in.logger.Debug("intake: sender cannot invoke", "group", g.Folder, "sender", m.SenderIdentity, "reason", d.Reason)
	}
	return policy.Decision{}, false
}

func (in *Intake) pattern(g types.Group) *regexp.Regexp {
	trigger := g.Trigger
	if trigger == "" {
		trigger = in.opts.Trigger
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	re, ok := in.patterns[trigger]
	if !ok {
		re = TriggerPattern(trigger, in.opts.AssistantName)
		in.patterns[trigger] = re
	}
	return re
}

func (in *Intake) prefix(text string) string {
	if in.opts.AssistantName == "" {
		return text
	}
	return in.opts.AssistantName + ": " + text
}

func (in *Intake) reply(ctx context.Context, g types.Group, text string) {
	out := in.prefix(text)
	if err := in.opts.Transport.Send(ctx, g.ChannelID, out); err != nil {
		in.logger.Error("intake: send reply", "group", g.Folder, "error", err)
		return
	}
	err := in.opts.Store.StoreMessage(ctx, types.Message{
		ID:             uuid.NewString(),
		ChannelID:      g.ChannelID,
		SenderIdentity: in.opts.AssistantName,
		Text:           out,
		Timestamp:      in.opts.Now().UTC(),
		FromAssistant:  true,
	})
	if err != nil {
		in.logger.Warn("intake: record reply", "group", g.Folder, "error", err)
	}
}

func (in *Intake) notifyOwner(ctx context.Context, g types.Group, strangers []types.Participant) {
	if in.opts.Registry == nil {
		return
	}
	snap, err := in.opts.Registry.Snapshot(ctx)
	if err != nil {
		in.logger.Error("intake: cannot notify owner", "group", g.Folder, "error", err)
		return
	}
	owner, ok := snap.Owner()
	if !ok {
		in.logger.Warn("intake: no owner to notify about strangers", "group", g.Folder)
		return
	}
	names := make([]string, 0, len(strangers))
	for _, p := range strangers {
		if p.DisplayName != "" {
			names = append(names, fmt.Sprintf("%s (%s)", p.DisplayName, p.Identity))
		} else {
			names = append(names, p.Identity)
		}
	}
	name := g.Name
	if name == "" {
		name = g.Folder
	}
	text := fmt.Sprintf("I'm not responding in %q because it has unregistered participants: %s. Add them with add_user or remove them from the group.",
		name, strings.Join(names, ", "))
	if err := in.opts.Transport.Send(ctx, owner.Identity, in.prefix(text)); err != nil {
		in.logger.Error("intake: notify owner", "group", g.Folder, "error", err)
	}
}
