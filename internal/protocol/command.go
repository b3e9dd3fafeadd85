package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownCommand = errors.New("protocol: unknown command")

// CommandKind identifies one of the accepted commands.
type CommandKind string

const (
	CommandValidate     CommandKind = "validate"
	CommandReload       CommandKind = "reload"
	CommandListHandlers CommandKind = "list-handlers"
)

// keywordSeparator splits "validate" from its keyword.
const keywordSeparator = " "

// Command is one parsed command frame.
type Command struct {
	Kind    CommandKind
	Keyword string
}

// ParseCommand maps a command frame to a Command. The keyword of a
// validate command is the remainder after the prefix and separator.
func ParseCommand(raw string) (Command, error) {
	line := strings.TrimSpace(raw)
	switch line {
	case string(CommandValidate):
		return Command{Kind: CommandValidate}, nil
	case string(CommandReload):
		return Command{Kind: CommandReload}, nil
	case string(CommandListHandlers):
		return Command{Kind: CommandListHandlers}, nil
	}
	prefix := string(CommandValidate) + keywordSeparator
	if strings.HasPrefix(line, prefix) {
		return Command{
			Kind:    CommandValidate,
			Keyword: strings.TrimSpace(strings.TrimPrefix(line, prefix)),
		}, nil
	}
	return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, line)
}

// String renders the command as it travels on the wire.
func (c Command) String() string {
	if c.Kind == CommandValidate && c.Keyword != "" {
		return string(CommandValidate) + keywordSeparator + c.Keyword
	}
	return string(c.Kind)
}
