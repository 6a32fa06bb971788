package chat

import (
	"strconv"
	"strings"
	"time"

	"github.com/aura-live/backend/pkg/apperr"
)

// CommandPrefix marks outbound text handled locally instead of sent.
const CommandPrefix = "/"

// MaxSlowModeDelay bounds the delay accepted by /slow.
const MaxSlowModeDelay = 10 * time.Minute

// Command is a local chat command. The set is closed.
type Command interface {
	command()
}

// ClearCommand hides everything currently in the view.
type ClearCommand struct{}

// SlowModeCommand sets the minimum delay between sends; zero turns it off.
type SlowModeCommand struct {
	Delay time.Duration
}

func (ClearCommand) command()    {}
func (SlowModeCommand) command() {}

// ParseCommand reports whether text is a command and decodes it. Unknown or
// malformed commands return ErrUnknownCommand.
func ParseCommand(text string) (Command, bool, error) {
	if !strings.HasPrefix(text, CommandPrefix) {
		return nil, false, nil
	}
	fields := strings.Fields(strings.TrimPrefix(text, CommandPrefix))
	if len(fields) == 0 {
		return nil, true, apperr.ErrUnknownCommand
	}
	switch strings.ToLower(fields[0]) {
	case "clear":
		if len(fields) != 1 {
			break
		}
		return ClearCommand{}, true, nil
	case "slow":
		if len(fields) != 2 {
			break
		}
		if strings.EqualFold(fields[1], "off") {
			return SlowModeCommand{}, true, nil
		}
		secs, err := strconv.Atoi(fields[1])
		if err != nil || secs < 0 {
			break
		}
		delay := time.Duration(secs) * time.Second
		if delay > MaxSlowModeDelay {
			return nil, true, apperr.New(apperr.CodeInvalidConfig, "slow mode delay is too long")
		}
		return SlowModeCommand{Delay: delay}, true, nil
	}
	return nil, true, apperr.ErrUnknownCommand
}
