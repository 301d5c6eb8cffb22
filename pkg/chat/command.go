package chat

import (
	"strings"
)

// command is one parsed slash command from a user message.
type command struct {
	Name     string
	Mentions []string
	Topic    string
}

// parseCommand recognizes a leading slash command. Returns false for plain
// prose, including messages that merely contain a slash later on.
func parseCommand(content string) (*command, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "/") {
		return nil, false
	}

	fields := strings.Fields(trimmed)
	cmd := &command{Name: strings.TrimPrefix(fields[0], "/")}

	var topic []string
	for _, f := range fields[1:] {
		if alias, ok := strings.CutPrefix(f, "@"); ok && len(topic) == 0 {
			cmd.Mentions = append(cmd.Mentions, alias)
			continue
		}
		topic = append(topic, f)
	}
	cmd.Topic = strings.Join(topic, " ")
	return cmd, true
}
