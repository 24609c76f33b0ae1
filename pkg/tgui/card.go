package tgui

import (
	"strings"

	kit "bulkdm/internal/transport"
)

// Card builds a multi-line HTML message. Every method escapes its input
// except RawLine.
type Card struct {
	lines          []string
	disablePreview bool
	kb             *Inline
}

func NewCard() *Card { return &Card{disablePreview: true} }

// Title adds "<emoji> <b>title</b>".
func (c *Card) Title(emoji, title string) *Card {
	line := B(strings.TrimSpace(title)).String()
	if e := strings.TrimSpace(emoji); e != "" {
		line = Esc(e).String() + " " + line
	}
	c.lines = append(c.lines, line)
	return c
}

// KV adds "<emoji> key: <b>value</b>".
func (c *Card) KV(emoji, key, value string) *Card {
	line := Esc(key).String() + ": " + B(value).String()
	if e := strings.TrimSpace(emoji); e != "" {
		line = Esc(e).String() + " " + line
	}
	c.lines = append(c.lines, line)
	return c
}

func (c *Card) Line(s string) *Card {
	c.lines = append(c.lines, Esc(s).String())
	return c
}

func (c *Card) RawLine(h H) *Card {
	c.lines = append(c.lines, h.String())
	return c
}

func (c *Card) Blank() *Card {
	c.lines = append(c.lines, "")
	return c
}

func (c *Card) Inline(kb *Inline) *Card {
	c.kb = kb
	return c
}

func (c *Card) Text() string { return strings.Join(c.lines, "\n") }

// Options returns HTML send options with the attached keyboard, if any.
func (c *Card) Options() *kit.SendOptions {
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: c.disablePreview}
	if c.kb != nil {
		opt.ReplyMarkupAdapter = c.kb.Markup()
	}
	return opt
}
