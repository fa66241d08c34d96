package bridge

import (
	"fmt"
	"strings"
)

// Admin chat commands. Arguments may be double-quoted to carry spaces, e.g.
//
//	/register "Family Group" "family"
type command struct {
	Name string
	Args []string
}

// parseCommand recognizes a leading slash command. Returns ok=false for
// ordinary message content.
func parseCommand(content string) (command, bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "/") {
		return command{}, false
	}
	fields, err := splitQuoted(content)
	if err != nil || len(fields) == 0 {
		return command{}, false
	}
	return command{
		Name: strings.ToLower(strings.TrimPrefix(fields[0], "/")),
		Args: fields[1:],
	}, true
}

// splitQuoted splits on whitespace, honoring double-quoted segments.
func splitQuoted(s string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	inQuote := false
	flush := func() {
		if cur.Len() > 0 {
			fields = append(fields, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case r == '"':
			if inQuote {
				fields = append(fields, cur.String())
				cur.Reset()
			} else {
				flush()
			}
			inQuote = !inQuote
		case !inQuote && (r == ' ' || r == '\t' || r == '\n'):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote in %q", s)
	}
	flush()
	return fields, nil
}
