package router

import (
	"slices"
	"strings"

	kit "bulkdm/internal/transport"
)

const (
	maxMenuName    = 32
	maxMenuDesc    = 256
	maxMenuEntries = 100
)

// sanitizeTelegramCommand maps a route or alias onto Telegram's [a-z0-9_]{1,32}.
// Separators collapse into one underscore; a leading digit gets a "cmd_" prefix.
func sanitizeTelegramCommand(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		case r == '_' || r == '-' || r == '/' || r == ' ' || r == '\t' || r == '\n':
			pendingSep = true
		}
	}
	out := b.String()
	if out == "" {
		return ""
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > maxMenuName {
		out = strings.TrimRight(out[:maxMenuName], "_")
	}
	return out
}

// telegramCommandNameFromRoute joins route with underscores:
// ["queue","stop"] -> "queue_stop".
func telegramCommandNameFromRoute(route []string) (string, bool) {
	name := sanitizeTelegramCommand(strings.Join(route, "_"))
	return name, name != ""
}

// buildTelegramMenuCommands lists top-level names first, then every
// multi-token route flattened to /a_b. Owner-only entries are marked.
func buildTelegramMenuCommands(root *cmdNode, leafCmds []Command) []kit.BotCommand {
	var out []kit.BotCommand
	seen := map[string]bool{}
	add := func(name, desc string, locked bool) {
		name = sanitizeTelegramCommand(name)
		if name == "" || seen[name] || len(out) >= maxMenuEntries {
			return
		}
		seen[name] = true
		desc = strings.Join(strings.Fields(desc), " ")
		if desc == "" {
			desc = name
		}
		if locked {
			desc = lockMark + desc
		}
		if len(desc) > maxMenuDesc {
			desc = desc[:maxMenuDesc]
		}
		out = append(out, kit.BotCommand{Command: name, Description: desc})
	}

	if root != nil {
		for _, name := range root.childNames() {
			n := root.children[name]
			add(name, describe(n), ownerOnly(n))
		}
	}

	var nested []Command
	for _, c := range leafCmds {
		if len(splitRoute(c.Route)) > 1 {
			nested = append(nested, c)
		}
	}
	slices.SortFunc(nested, func(a, b Command) int { return strings.Compare(a.Route, b.Route) })
	for _, c := range nested {
		name, _ := telegramCommandNameFromRoute(splitRoute(c.Route))
		desc := c.Description
		if strings.TrimSpace(desc) == "" {
			desc = c.Route
		}
		add(name, desc, c.Access == AccessOwnerOnly)
	}
	return out
}
