// Package local is a file-backed transport: replies go to a rotating JSONL
// outbox and channel membership comes from a YAML roster. Inbound messages
// are injected with the CLI.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kinshell/kinshell/internal/transport"
	"github.com/kinshell/kinshell/pkg/types"
)

// Roster is the YAML membership file.
type Roster struct {
	Channels []RosterChannel `yaml:"channels"`
}

type RosterChannel struct {
	ID           string              `yaml:"id"`
	Name         string              `yaml:"name"`
	Group        bool                `yaml:"group"`
	Participants []RosterParticipant `yaml:"participants"`
}

type RosterParticipant struct {
	Identity string `yaml:"identity"`
	Name     string `yaml:"name"`
}

type Options struct {
	Outbox   string
	Rotation Rotation
	Roster   string
	Now      func() time.Time
	Logger   *slog.Logger
}

type Transport struct {
	outbox *Outbox
	roster string
	now    func() time.Time
	logger *slog.Logger
}

var _ transport.Transport = (*Transport)(nil)

func New(opts Options) (*Transport, error) {
	if opts.Outbox == "" {
		return nil, errors.New("local transport: outbox path is required")
	}
	out, err := OpenOutbox(opts.Outbox, opts.Rotation)
	if err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{outbox: out, roster: opts.Roster, now: opts.Now, logger: logger}, nil
}

func (t *Transport) Close() error { return t.outbox.Close() }

func (t *Transport) Send(_ context.Context, channelID, text string) error {
	if channelID == "" {
		return fmt.Errorf("%w: empty channel id", transport.ErrUnknownChannel)
	}
	rec := OutboxRecord{ID: uuid.NewString(), ChannelID: channelID, Text: text, Timestamp: t.now().UTC()}
	if err := t.outbox.Append(rec); err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}
	t.logger.Debug("message sent", "channel", channelID, "id", rec.ID, "bytes", len(text))
	return nil
}

// Sent returns up to limit of the newest messages sent to channelID, or to
// any channel when channelID is empty.
func (t *Transport) Sent(channelID string, limit int) ([]OutboxRecord, error) {
	return t.outbox.Records(channelID, limit)
}

func (t *Transport) loadRoster() (Roster, error) {
	var r Roster
	if t.roster == "" {
		return r, nil
	}
	data, err := os.ReadFile(t.roster)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return r, fmt.Errorf("read roster: %w", err)
	}
	if err := yaml.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("parse roster: %w", err)
	}
	return r, nil
}

func (t *Transport) Participants(_ context.Context, channelID string) ([]types.Participant, error) {
	r, err := t.loadRoster()
	if err != nil {
		return nil, err
	}
	for _, ch := range r.Channels {
		if ch.ID != channelID {
			continue
		}
		out := make([]types.Participant, 0, len(ch.Participants))
		for _, p := range ch.Participants {
			out = append(out, types.Participant{Identity: strings.TrimSpace(p.Identity), DisplayName: p.Name})
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s", transport.ErrUnknownChannel, channelID)
}

func (t *Transport) Channels(_ context.Context) ([]types.Chat, error) {
	r, err := t.loadRoster()
	if err != nil {
		return nil, err
	}
	out := make([]types.Chat, 0, len(r.Channels))
	for _, ch := range r.Channels {
		out = append(out, types.Chat{ChannelID: ch.ID, Name: ch.Name, IsGroup: ch.Group})
	}
	return out, nil
}
