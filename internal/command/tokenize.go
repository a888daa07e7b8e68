// Package command tokenizes inbound updates and routes commands through the
// event bus and permission evaluator to plugin-owned handlers.
package command

import (
	"strings"

	"github.com/HerbHall/bote/pkg/plugin"
)

// Tokenize splits an update into a command name and arguments. It reports
// ok=false when the text does not start with a command entity.
//
// Offsets and lengths are rune indices. Characters inside any later entity
// span are kept in one token even when they are spaces; elsewhere a space
// ends the current token. Empty tokens are dropped.
//
// When botUsername is set, a trailing "@botUsername" on the command name is
// stripped; other addressees are left in place, so the name will not resolve.
// When botUsername is empty, any "@" suffix is stripped.
func Tokenize(text string, entities []plugin.Entity, botUsername string) (name string, args []string, ok bool) {
	if len(entities) == 0 {
		return "", nil, false
	}
	first := entities[0]
	if first.Kind != plugin.EntityCommand || first.Offset != 0 {
		return "", nil, false
	}

	runes := []rune(text)
	end := min(first.Offset+first.Length, len(runes))
	if end <= 1 {
		return "", nil, false
	}
	name = strings.TrimSpace(string(runes[1:end]))
	if at := strings.IndexByte(name, '@'); at >= 0 {
		if botUsername == "" || strings.EqualFold(name[at+1:], botUsername) {
			name = name[:at]
		}
	}
	if name == "" {
		return "", nil, false
	}

	var (
		tokens []string
		cur    []rune
		ei     = 1
	)
	for i := end; i < len(runes); {
		if ei < len(entities) {
			e := entities[ei]
			if i >= e.Offset && i < e.Offset+e.Length {
				cur = append(cur, runes[i])
				i++
				continue
			}
			if i >= e.Offset+e.Length {
				ei++
				continue
			}
		}
		if runes[i] == ' ' {
			tokens = append(tokens, string(cur))
			cur = cur[:0]
		} else {
			cur = append(cur, runes[i])
		}
		i++
	}
	tokens = append(tokens, string(cur))

	args = make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok != "" {
			args = append(args, tok)
		}
	}
	return name, args, true
}
