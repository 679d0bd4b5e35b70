package store

import (
	"context"
	"errors"
	"time"

	"github.com/kinshell/kinshell/pkg/types"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

type MessageStore interface {
	StoreChat(ctx context.Context, chat types.Chat) error
	ListChats(ctx context.Context) ([]types.Chat, error)
	StoreMessage(ctx context.Context, msg types.Message) error
	// MessagesSince returns messages in the given channels strictly newer
	// than since, ordered by timestamp ascending.
	MessagesSince(ctx context.Context, channelIDs []string, since time.Time) ([]types.Message, error)
}

type GroupStore interface {
	PutGroup(ctx context.Context, g types.Group) error
	GroupByFolder(ctx context.Context, folder string) (types.Group, error)
	GroupByChannel(ctx context.Context, channelID string) (types.Group, error)
	ListGroups(ctx context.Context) ([]types.Group, error)
}

type PrincipalStore interface {
	ListPrincipals(ctx context.Context) ([]types.Principal, error)
	InsertPrincipal(ctx context.Context, p types.Principal) error
	DeletePrincipal(ctx context.Context, identity string) error
}

type TaskStore interface {
	CreateTask(ctx context.Context, task types.ScheduledTask) error
	GetTask(ctx context.Context, id string) (types.ScheduledTask, error)
	ListTasks(ctx context.Context, groupFolder string) ([]types.ScheduledTask, error)
	DueTasks(ctx context.Context, now time.Time) ([]types.ScheduledTask, error)
	UpdateTask(ctx context.Context, task types.ScheduledTask) error
	DeleteTask(ctx context.Context, id string) error
	AppendRunLog(ctx context.Context, log types.TaskRunLog) error
	ListRunLogs(ctx context.Context, taskID string) ([]types.TaskRunLog, error)
}

type ParticipantStore interface {
	// ReplaceParticipants stores the full participant set for a channel and
	// reports which identities were added or removed.
	ReplaceParticipants(ctx context.Context, channelID string, participants []types.Participant) (added, removed []string, err error)
	Participants(ctx context.Context, channelID string) ([]types.Participant, error)
}

type StrangerStore interface {
	GetStrangerEntry(ctx context.Context, groupID string) (types.StrangerEntry, error)
	PutStrangerEntry(ctx context.Context, e types.StrangerEntry) error
	// ClearStrangerEntries removes one entry, or all when groupID is empty.
	ClearStrangerEntries(ctx context.Context, groupID string) error
}

type StateStore interface {
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error
	GetSession(ctx context.Context, key string) (string, error)
	SetSession(ctx context.Context, key, sessionID string) error
}

// Store is the full persistence engine used by the host.
type Store interface {
	MessageStore
	GroupStore
	PrincipalStore
	TaskStore
	ParticipantStore
	StrangerStore
	StateStore
	Close() error
}
