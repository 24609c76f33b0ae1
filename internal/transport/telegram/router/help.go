package router

import (
	"html"
	"slices"
	"strings"
)

const lockMark = "🔒 "

// helpText renders help for path as Telegram HTML: the command list when
// path is empty, otherwise the command or group it names.
func (m *CommandManager) helpText(path []string) string {
	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	if len(path) == 0 {
		return renderIndex(root)
	}
	if n := root.find(path); n != nil {
		return renderNode(n, path)
	}
	if leaf := alias[strings.ToLower(path[0])]; leaf != nil && leaf.cmd != nil {
		return renderNode(leaf, splitRoute(leaf.cmd.Route))
	}
	return "❓ <b>Unknown command</b>\nSend <code>/help</code> for the command list."
}

// renderIndex lists every leaf command; commands anyone may run come first.
func renderIndex(root *cmdNode) string {
	leaves := root.leaves()
	slices.SortStableFunc(leaves, func(a, b *Command) int {
		if ao, bo := a.Access == AccessOwnerOnly, b.Access == AccessOwnerOnly; ao != bo {
			if ao {
				return 1
			}
			return -1
		}
		return strings.Compare(a.Route, b.Route)
	})

	var b strings.Builder
	b.WriteString("📢 <b>Bulk DM commands</b>\nSend <code>/help &lt;cmd&gt;</code> for details.\n")
	for _, c := range leaves {
		b.WriteString("\n• ")
		if c.Access == AccessOwnerOnly {
			b.WriteString(lockMark)
		}
		b.WriteString("<code>/" + html.EscapeString(c.Route) + "</code>")
		if d := strings.TrimSpace(c.Description); d != "" {
			b.WriteString(" · " + html.EscapeString(d))
		}
	}
	b.WriteString("\n\nSafety: random delays and dynamic batches between sends.")
	return b.String()
}

func renderNode(n *cmdNode, path []string) string {
	lines := []string{"📢 <b>Help</b> <code>/" + html.EscapeString(strings.Join(path, " ")) + "</code>"}

	if c := n.cmd; c != nil {
		if d := strings.TrimSpace(c.Description); d != "" {
			lines = append(lines, html.EscapeString(d))
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, lockMark+"<i>Owner only</i>")
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
		}
		if short := shortcuts(*c); len(short) > 0 {
			lines = append(lines, "", "<b>Shortcuts</b>")
			for _, s := range short {
				lines = append(lines, "• <code>/"+html.EscapeString(s)+"</code>")
			}
		}
	}

	if len(n.children) > 0 {
		lines = append(lines, "", "<b>Subcommands</b>")
		for _, name := range n.childNames() {
			child := n.children[name]
			line := "• "
			if ownerOnly(child) {
				line += lockMark
			}
			line += "<code>/" + html.EscapeString(strings.Join(append(slices.Clone(path), name), " ")) + "</code>"
			if d := describe(child); d != "" {
				line += " · " + html.EscapeString(d)
			}
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// describe is the command description, or the first few child names for a group.
func describe(n *cmdNode) string {
	if n.cmd != nil && strings.TrimSpace(n.cmd.Description) != "" {
		return strings.TrimSpace(n.cmd.Description)
	}
	kids := n.childNames()
	if len(kids) == 0 {
		return ""
	}
	if len(kids) > 3 {
		return "subcommands: " + strings.Join(kids[:3], ", ") + ", …"
	}
	return "subcommands: " + strings.Join(kids, ", ")
}

// ownerOnly reports whether every command at or under n is owner-only.
func ownerOnly(n *cmdNode) bool {
	if n.cmd != nil && n.cmd.Access != AccessOwnerOnly {
		return false
	}
	for _, ch := range n.children {
		if !ownerOnly(ch) {
			return false
		}
	}
	return n.cmd != nil || len(n.children) > 0
}

// shortcuts lists the single-word names that reach c besides its route.
func shortcuts(c Command) []string {
	var out []string
	if name, ok := telegramCommandNameFromRoute(splitRoute(c.Route)); ok {
		out = append(out, name)
	}
	for _, a := range c.Aliases {
		a = strings.TrimSpace(a)
		if a == "" || strings.Contains(a, " ") {
			continue
		}
		out = append(out, a, sanitizeTelegramCommand(a))
	}
	out = slices.DeleteFunc(out, func(s string) bool { return s == "" })
	slices.Sort(out)
	return slices.Compact(out)
}
