package delivery

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"bulkdm/internal/dispatch"
	"bulkdm/pkg/tgui"
)

var ErrInvalidLink = errors.New("delivery: invalid invite link")

// PromoContent is the configurable promo text. Zero fields take the defaults.
type PromoContent struct {
	Title       string
	BodyLines   []string // first line is the headline, the rest are bullets
	ImageURL    string
	ButtonLabel string
	Footer      string
}

func DefaultPromo() PromoContent {
	return PromoContent{
		Title: "🚀 Join the High-Octane BGMI & Esports Hub! 🦁",
		BodyLines: []string{
			"Join the Ultimate Team GodLike Community!",
			"Exclusive Watchparties",
			"Live Esports Discussions",
			"BGMI Tournament Updates",
		},
		ButtonLabel: "🔥 JOIN SERVER NOW",
		Footer:      "Join the action today!",
	}
}

func (p PromoContent) withDefaults() PromoContent {
	def := DefaultPromo()
	if strings.TrimSpace(p.Title) == "" {
		p.Title = def.Title
	}
	if len(p.BodyLines) == 0 {
		p.BodyLines = def.BodyLines
	}
	if strings.TrimSpace(p.ButtonLabel) == "" {
		p.ButtonLabel = def.ButtonLabel
	}
	if strings.TrimSpace(p.Footer) == "" {
		p.Footer = def.Footer
	}
	return p
}

// ValidateLink accepts http, https and tg links.
func ValidateLink(link string) (string, error) {
	link = strings.TrimSpace(link)
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if u.Host == "" {
			return "", fmt.Errorf("%w: missing host", ErrInvalidLink)
		}
	case "tg":
		if u.Host == "" && u.Opaque == "" {
			return "", fmt.Errorf("%w: empty tg link", ErrInvalidLink)
		}
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidLink, u.Scheme)
	}
	return link, nil
}

// BuildPromo returns the rich announcement part and the plain invite part.
// Without an image the rich part is sent as HTML text with the same button.
func BuildPromo(content PromoContent, link string) (rich, invite dispatch.Part, err error) {
	link, err = ValidateLink(link)
	if err != nil {
		return dispatch.Part{}, dispatch.Part{}, err
	}
	c := content.withDefaults()

	card := tgui.NewCard().RawLine(tgui.B(c.Title)).Blank()
	for i, line := range c.BodyLines {
		if i == 0 {
			card.RawLine(tgui.JoinH(" ", tgui.Raw("📣"), tgui.B(line))).Blank()
			continue
		}
		card.RawLine(tgui.JoinH(" ", tgui.Raw("💎"), tgui.B(line)))
	}
	card.Blank().
		RawLine(tgui.JoinH(" ", tgui.Raw("➡️"), tgui.B("JOIN NOW:"), tgui.Link("Click Here", link))).
		Blank().
		RawLine(tgui.I(c.Footer)).
		Inline(tgui.NewInline().Row(tgui.URLBtn(c.ButtonLabel, link)))

	rich = dispatch.Part{
		Text:     card.Text(),
		PhotoURL: strings.TrimSpace(c.ImageURL),
		Options:  card.Options(),
	}
	invite = dispatch.Part{
		Text:    tgui.B("You've been invited!").String() + "\n" + tgui.Esc(link).String(),
		Options: tgui.NewCard().Options(),
	}
	invite.Options.DisablePreview = false
	return rich, invite, nil
}
