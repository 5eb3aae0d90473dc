package client

import (
	"context"

	"github.com/codefionn/hostlink/protocol"
)

// StartTaskOptions are the arguments of StartNewTask.
type StartTaskOptions struct {
	Configuration map[string]any `json:"configuration"`
	Text          string         `json:"text,omitempty"`
	Images        []string       `json:"images,omitempty"`
	NewTab        bool           `json:"newTab,omitempty"`
}

type sendMessageData struct {
	Message string   `json:"message,omitempty"`
	Images  []string `json:"images,omitempty"`
}

func (c *Client) exec(ctx context.Context, name protocol.CommandName, data any) error {
	_, err := c.SendCommand(ctx, name, data)
	return err
}

// optional maps an empty string to an absent data field.
func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// StartNewTask starts a task and returns its id.
func (c *Client) StartNewTask(ctx context.Context, opts StartTaskOptions) (string, error) {
	if opts.Configuration == nil {
		opts.Configuration = map[string]any{}
	}
	return Call[string](ctx, c, protocol.StartNewTask, opts)
}

// CancelTask cancels the task with the given id.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	return c.exec(ctx, protocol.CancelTask, taskID)
}

// CloseTask closes the task with the given id.
func (c *Client) CloseTask(ctx context.Context, taskID string) error {
	return c.exec(ctx, protocol.CloseTask, taskID)
}

// GetCurrentTaskStack returns the ids of the active task stack.
func (c *Client) GetCurrentTaskStack(ctx context.Context) ([]string, error) {
	return Call[[]string](ctx, c, protocol.GetCurrentTaskStack, nil)
}

// ClearCurrentTask clears the current task, optionally leaving a last message.
func (c *Client) ClearCurrentTask(ctx context.Context, lastMessage string) error {
	return c.exec(ctx, protocol.ClearCurrentTask, optional(lastMessage))
}

// CancelCurrentTask cancels the current task.
func (c *Client) CancelCurrentTask(ctx context.Context) error {
	return c.exec(ctx, protocol.CancelCurrentTask, nil)
}

// SendMessage sends a message to the current task.
func (c *Client) SendMessage(ctx context.Context, message string, images []string) error {
	return c.exec(ctx, protocol.SendMessage, sendMessageData{Message: message, Images: images})
}

func (c *Client) PressPrimaryButton(ctx context.Context) error {
	return c.exec(ctx, protocol.PressPrimaryButton, nil)
}

func (c *Client) PressSecondaryButton(ctx context.Context) error {
	return c.exec(ctx, protocol.PressSecondaryButton, nil)
}

// SetConfiguration replaces host settings with values.
func (c *Client) SetConfiguration(ctx context.Context, values map[string]any) error {
	return c.exec(ctx, protocol.SetConfiguration, values)
}

// GetConfiguration returns the host settings.
func (c *Client) GetConfiguration(ctx context.Context) (map[string]any, error) {
	return Call[map[string]any](ctx, c, protocol.GetConfiguration, nil)
}

// IsReady reports whether the host finished starting up.
func (c *Client) IsReady(ctx context.Context) (bool, error) {
	return Call[bool](ctx, c, protocol.IsReady, nil)
}

// GetMessages returns the conversation of a task.
func (c *Client) GetMessages(ctx context.Context, taskID string) ([]protocol.Message, error) {
	return Call[[]protocol.Message](ctx, c, protocol.GetMessages, taskID)
}

// GetTokenUsage returns the token usage of a task.
func (c *Client) GetTokenUsage(ctx context.Context, taskID string) (protocol.TokenUsage, error) {
	return Call[protocol.TokenUsage](ctx, c, protocol.GetTokenUsage, taskID)
}

// Log writes message to the host log.
func (c *Client) Log(ctx context.Context, message string) error {
	return c.exec(ctx, protocol.Log, message)
}

// ResumeTask resumes a task from history.
func (c *Client) ResumeTask(ctx context.Context, taskID string) error {
	return c.exec(ctx, protocol.ResumeTask, taskID)
}

// IsTaskInHistory reports whether the host knows a task.
func (c *Client) IsTaskInHistory(ctx context.Context, taskID string) (bool, error) {
	return Call[bool](ctx, c, protocol.IsTaskInHistory, taskID)
}

// CreateProfile creates a provider profile and returns its id.
func (c *Client) CreateProfile(ctx context.Context, name string) (string, error) {
	return Call[string](ctx, c, protocol.CreateProfile, name)
}

// GetProfiles returns the profile names.
func (c *Client) GetProfiles(ctx context.Context) ([]string, error) {
	return Call[[]string](ctx, c, protocol.GetProfiles, nil)
}

func (c *Client) SetActiveProfile(ctx context.Context, name string) error {
	return c.exec(ctx, protocol.SetActiveProfile, name)
}

// GetActiveProfile returns the active profile name, or "" if none is set.
func (c *Client) GetActiveProfile(ctx context.Context) (string, error) {
	return Call[string](ctx, c, protocol.GetActiveProfile, nil)
}

func (c *Client) DeleteProfile(ctx context.Context, name string) error {
	return c.exec(ctx, protocol.DeleteProfile, name)
}
