package protocol

import "encoding/json"

// CommandName is the operation tag of a command.
type CommandName string

// Command names understood by the task host.
const (
	StartNewTask         CommandName = "StartNewTask"
	CancelTask           CommandName = "CancelTask"
	CloseTask            CommandName = "CloseTask"
	GetCurrentTaskStack  CommandName = "GetCurrentTaskStack"
	ClearCurrentTask     CommandName = "ClearCurrentTask"
	CancelCurrentTask    CommandName = "CancelCurrentTask"
	SendMessage          CommandName = "SendMessage"
	PressPrimaryButton   CommandName = "PressPrimaryButton"
	PressSecondaryButton CommandName = "PressSecondaryButton"
	SetConfiguration     CommandName = "SetConfiguration"
	GetConfiguration     CommandName = "GetConfiguration"
	IsReady              CommandName = "IsReady"
	GetMessages          CommandName = "GetMessages"
	GetTokenUsage        CommandName = "GetTokenUsage"
	Log                  CommandName = "Log"
	ResumeTask           CommandName = "ResumeTask"
	IsTaskInHistory      CommandName = "IsTaskInHistory"
	CreateProfile        CommandName = "CreateProfile"
	GetProfiles          CommandName = "GetProfiles"
	SetActiveProfile     CommandName = "SetActiveProfile"
	// The host registers this one with a lower-case initial.
	GetActiveProfile CommandName = "getActiveProfile"
	DeleteProfile    CommandName = "DeleteProfile"
)

var commandNames = map[CommandName]struct{}{
	StartNewTask: {}, CancelTask: {}, CloseTask: {}, GetCurrentTaskStack: {},
	ClearCurrentTask: {}, CancelCurrentTask: {}, SendMessage: {},
	PressPrimaryButton: {}, PressSecondaryButton: {}, SetConfiguration: {},
	GetConfiguration: {}, IsReady: {}, GetMessages: {}, GetTokenUsage: {},
	Log: {}, ResumeTask: {}, IsTaskInHistory: {}, CreateProfile: {},
	GetProfiles: {}, SetActiveProfile: {}, GetActiveProfile: {}, DeleteProfile: {},
}

// Known reports whether n is a command the host understands.
func (n CommandName) Known() bool {
	_, ok := commandNames[n]
	return ok
}

// CommandNames returns every known command name.
func CommandNames() []CommandName {
	names := make([]CommandName, 0, len(commandNames))
	for n := range commandNames {
		names = append(names, n)
	}
	return names
}

// Command is the payload of a client command envelope.
type Command struct {
	Name CommandName     `json:"commandName"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewCommand encodes data as the command payload. A nil data produces a
// command without a data field.
func NewCommand(name CommandName, data any) (Command, error) {
	raw, err := marshalOptional(data)
	if err != nil {
		return Command{}, NewError(CodeDecode, "failed to encode command data", err)
	}
	return Command{Name: name, Data: raw}, nil
}
