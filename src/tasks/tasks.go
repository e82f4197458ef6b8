// Package tasks is a thin typed wrapper translating task-board events onto
// the generic room facade. It is also the reference for how application
// code is expected to consume roomclient.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/archonlabs/roomsync/src/roomclient"
	"github.com/archonlabs/roomsync/src/types"
)

// Task event names on the wire.
const (
	EventTaskCreated  = "task_created"
	EventTaskUpdated  = "task_updated"
	EventTaskDeleted  = "task_deleted"
	EventTasksReorder = "tasks_reordered"
)

// Task is the board item synchronized across clients.
type Task struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	Position    int    `json:"position"`
}

// Client wraps a RoomClient with task-board semantics. One project maps to
// one room, "project:<id>".
type Client struct {
	rc     *roomclient.RoomClient
	logger zerolog.Logger
}

// New wraps a room facade.
func New(rc *roomclient.RoomClient, logger zerolog.Logger) *Client {
	return &Client{rc: rc, logger: logger.With().Str("component", "tasks").Logger()}
}

// RoomID returns the room name for a project.
func RoomID(projectID string) string { return "project:" + projectID }

// JoinProject enters the project's room.
func (c *Client) JoinProject(ctx context.Context, projectID string) error {
	return c.rc.JoinRoom(ctx, RoomID(projectID))
}

// LeaveProject exits the current project room.
func (c *Client) LeaveProject(ctx context.Context) error {
	return c.rc.LeaveRoom(ctx)
}

// OnTaskCreated delivers foreign task creations. Returns unsubscribe.
func (c *Client) OnTaskCreated(fn func(Task)) func() {
	return c.subscribeTask(EventTaskCreated, fn)
}

// OnTaskUpdated delivers foreign task updates. Returns unsubscribe.
func (c *Client) OnTaskUpdated(fn func(Task)) func() {
	return c.subscribeTask(EventTaskUpdated, fn)
}

// OnTaskDeleted delivers foreign task deletions with the task id.
func (c *Client) OnTaskDeleted(fn func(taskID string)) func() {
	return c.rc.Subscribe(EventTaskDeleted, func(msg types.Message) {
		if id, ok := msg.Data["task_id"].(string); ok {
			fn(id)
		}
	})
}

// OnTasksReordered delivers the new ordering of a project's tasks.
func (c *Client) OnTasksReordered(fn func(orderedIDs []string)) func() {
	return c.rc.Subscribe(EventTasksReorder, func(msg types.Message) {
		raw, ok := msg.Data["task_ids"].([]any)
		if !ok {
			return
		}
		ids := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				ids = append(ids, s)
			}
		}
		fn(ids)
	})
}

// CreateTask announces a new task to the room with acknowledgement.
func (c *Client) CreateTask(ctx context.Context, t Task) error {
	data, err := encodeTask(t)
	if err != nil {
		return err
	}
	_, err = c.rc.EmitWithAck(ctx, EventTaskCreated, data)
	return err
}

// UpdateTaskOptimistic applies an update locally first; rollback restores
// the snapshot if the server never confirms.
func (c *Client) UpdateTaskOptimistic(ctx context.Context, t Task, applyLocal func() any, rollback func(any)) error {
	data, err := encodeTask(t)
	if err != nil {
		return err
	}
	return c.rc.EmitOptimistic(ctx, EventTaskUpdated, data, applyLocal, rollback)
}

// DeleteTask announces a deletion with acknowledgement.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	_, err := c.rc.EmitWithAck(ctx, EventTaskDeleted, map[string]any{"task_id": taskID})
	return err
}

// ReorderTasks broadcasts a new task ordering into the room,
// fire-and-forget: ordering converges through rebroadcasts.
func (c *Client) ReorderTasks(projectID string, orderedIDs []string) error {
	ids := make([]any, len(orderedIDs))
	for i, id := range orderedIDs {
		ids[i] = id
	}
	return c.rc.EmitToRoom(EventTasksReorder, map[string]any{
		"project_id": projectID,
		"task_ids":   ids,
	})
}

func (c *Client) subscribeTask(event string, fn func(Task)) func() {
	return c.rc.Subscribe(event, func(msg types.Message) {
		t, err := decodeTask(msg.Data)
		if err != nil {
			c.logger.Warn().Err(err).Str("event", event).Msg("undecodable task payload")
			return
		}
		fn(t)
	})
}

func encodeTask(t Task) (map[string]any, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	return data, nil
}

func decodeTask(data map[string]any) (Task, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	return t, nil
}
