package router

import (
	"maps"
	"slices"
	"strings"
)

// cmdNode is one token of a command route. Interior nodes may carry a
// command of their own ("/queue" and "/queue stop").
type cmdNode struct {
	cmd      *Command
	children map[string]*cmdNode
}

func newRoot() *cmdNode { return &cmdNode{children: map[string]*cmdNode{}} }

func splitRoute(route string) []string { return strings.Fields(route) }

func (n *cmdNode) add(route []string, c Command) {
	for _, tok := range route {
		next := n.children[tok]
		if next == nil {
			next = newRoot()
			n.children[tok] = next
		}
		n = next
	}
	n.cmd = &c
}

// find walks path from n and returns nil when any token is missing.
func (n *cmdNode) find(path []string) *cmdNode {
	for _, tok := range path {
		if n = n.children[tok]; n == nil {
			return nil
		}
	}
	return n
}

func (n *cmdNode) child(name string) (*cmdNode, bool) {
	c, ok := n.children[name]
	return c, ok
}

func (n *cmdNode) childNames() []string {
	return slices.Sorted(maps.Keys(n.children))
}

// leaves returns every command at or below n, depth first in name order.
func (n *cmdNode) leaves() []*Command {
	var out []*Command
	if n.cmd != nil {
		out = append(out, n.cmd)
	}
	for _, name := range n.childNames() {
		out = append(out, n.children[name].leaves()...)
	}
	return out
}
