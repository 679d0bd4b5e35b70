// Package ipc implements the file-based command channel through which
// sandboxes request host-side effects.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kinshell/kinshell/pkg/types"
)

var (
	ErrInvalidCommand   = errors.New("invalid command")
	ErrWrongQueue       = errors.New("command not accepted in this queue")
	ErrUnauthorized     = errors.New("not authorized")
	ErrUnknownTarget    = errors.New("unknown target")
	ErrUnknownNamespace = errors.New("namespace is not a registered group")
	ErrRateLimited      = errors.New("send rate exceeded")
)

// Queue names a command directory within a namespace.
type Queue string

const (
	QueueMessages Queue = "messages"
	QueueTasks    Queue = "tasks"
)

// Command is one decoded command file. The set of implementations is
// closed; every Visitor must handle each of them.
type Command interface {
	Kind() string
	RequestID() string
	accept(ctx context.Context, v Visitor) error
}

// Visitor has one method per command kind.
type Visitor interface {
	SendMessage(ctx context.Context, c *SendMessage) error
	ScheduleTask(ctx context.Context, c *ScheduleTask) error
	PauseTask(ctx context.Context, c *PauseTask) error
	ResumeTask(ctx context.Context, c *ResumeTask) error
	CancelTask(ctx context.Context, c *CancelTask) error
	RefreshGroups(ctx context.Context, c *RefreshGroups) error
	RegisterGroup(ctx context.Context, c *RegisterGroup) error
	AddUser(ctx context.Context, c *AddUser) error
	RemoveUser(ctx context.Context, c *RemoveUser) error
	ListUsers(ctx context.Context, c *ListUsers) error
	GetMyTier(ctx context.Context, c *GetMyTier) error
}

// Header carries the fields shared by every command file.
type Header struct {
	Type string `json:"type"`
	ID   string `json:"request_id,omitempty"`
}

func (h Header) Kind() string      { return h.Type }
func (h Header) RequestID() string { return h.ID }

type SendMessage struct {
	Header
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
}

type ScheduleTask struct {
	Header
	Prompt        string             `json:"prompt"`
	ScheduleType  types.ScheduleKind `json:"schedule_type"`
	ScheduleValue string             `json:"schedule_value"`
	ContextMode   types.ContextMode  `json:"context_mode,omitempty"`
	// TargetFolder defaults to the issuing namespace.
	TargetFolder string `json:"target_folder,omitempty"`
}

type PauseTask struct {
	Header
	TaskID string `json:"task_id"`
}

type ResumeTask struct {
	Header
	TaskID string `json:"task_id"`
}

type CancelTask struct {
	Header
	TaskID string `json:"task_id"`
}

type RefreshGroups struct {
	Header
}

type RegisterGroup struct {
	Header
	ChannelID       string                 `json:"channel_id"`
	Name            string                 `json:"name"`
	Folder          string                 `json:"folder"`
	Trigger         string                 `json:"trigger,omitempty"`
	ContextTier     *types.Tier            `json:"context_tier,omitempty"`
	ContainerConfig *types.ContainerConfig `json:"container_config,omitempty"`
}

type AddUser struct {
	Header
	Tier        types.Tier `json:"tier"`
	Identity    string     `json:"identity"`
	DisplayName string     `json:"display_name,omitempty"`
}

type RemoveUser struct {
	Header
	Identity string `json:"identity"`
}

type ListUsers struct {
	Header
}

type GetMyTier struct {
	Header
}

func (c *SendMessage) accept(ctx context.Context, v Visitor) error   { return v.SendMessage(ctx, c) }
func (c *ScheduleTask) accept(ctx context.Context, v Visitor) error  { return v.ScheduleTask(ctx, c) }
func (c *PauseTask) accept(ctx context.Context, v Visitor) error     { return v.PauseTask(ctx, c) }
func (c *ResumeTask) accept(ctx context.Context, v Visitor) error    { return v.ResumeTask(ctx, c) }
func (c *CancelTask) accept(ctx context.Context, v Visitor) error    { return v.CancelTask(ctx, c) }
func (c *RefreshGroups) accept(ctx context.Context, v Visitor) error { return v.RefreshGroups(ctx, c) }
func (c *RegisterGroup) accept(ctx context.Context, v Visitor) error { return v.RegisterGroup(ctx, c) }
func (c *AddUser) accept(ctx context.Context, v Visitor) error       { return v.AddUser(ctx, c) }
func (c *RemoveUser) accept(ctx context.Context, v Visitor) error    { return v.RemoveUser(ctx, c) }
func (c *ListUsers) accept(ctx context.Context, v Visitor) error     { return v.ListUsers(ctx, c) }
func (c *GetMyTier) accept(ctx context.Context, v Visitor) error     { return v.GetMyTier(ctx, c) }

// Visit dispatches c to the matching Visitor method.
func Visit(ctx context.Context, c Command, v Visitor) error { return c.accept(ctx, v) }

var decoders = map[string]func() Command{
	"message":        func() Command { return &SendMessage{} },
	"schedule_task":  func() Command { return &ScheduleTask{} },
	"pause_task":     func() Command { return &PauseTask{} },
	"resume_task":    func() Command { return &ResumeTask{} },
	"cancel_task":    func() Command { return &CancelTask{} },
	"refresh_groups": func() Command { return &RefreshGroups{} },
	"register_group": func() Command { return &RegisterGroup{} },
	"add_user":       func() Command { return &AddUser{} },
	"remove_user":    func() Command { return &RemoveUser{} },
	"list_users":     func() Command { return &ListUsers{} },
	"get_my_tier":    func() Command { return &GetMyTier{} },
}

// Decode parses a command file found in queue q.
func Decode(data []byte, q Queue) (Command, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	mk, ok := decoders[h.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, h.Type)
	}
	cmd := mk()
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCommand, h.Type, err)
	}
	want := QueueTasks
	if h.Type == "message" {
		want = QueueMessages
	}
	if q != want {
		return nil, fmt.Errorf("%w: %s belongs in %s/", ErrWrongQueue, h.Type, want)
	}
	return cmd, nil
}
