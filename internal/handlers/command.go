package handlers

import "strings"

// Command is one parsed /name[@bot] invocation.
type Command struct {
	Name string
	Args []string
	// Addressee is the @bot suffix, empty when absent.
	Addressee string
}

// ArgString returns the raw argument tail joined back together.
func (c *Command) ArgString() string {
	return strings.Join(c.Args, " ")
}

// ParseCommand extracts a command from message text. Returns nil when the
// text is not a command.
func ParseCommand(text string) *Command {
	text = strings.TrimSpace(text)
	if len(text) < 2 || text[0] != '/' {
		return nil
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return nil
	}
	head := fields[0]
	cmd := &Command{Args: fields[1:]}
	if at := strings.IndexByte(head, '@'); at >= 0 {
		cmd.Name = strings.ToLower(head[:at])
		cmd.Addressee = head[at+1:]
	} else {
		cmd.Name = strings.ToLower(head)
	}
	if cmd.Name == "" {
		return nil
	}
	return cmd
}

// AddressedTo reports whether the command targets this bot. An explicit
// @other suffix excludes us; a bare command is accepted anywhere.
func (c *Command) AddressedTo(botUsername string) bool {
	if c.Addressee == "" {
		return true
	}
	return strings.EqualFold(c.Addressee, botUsername)
}
