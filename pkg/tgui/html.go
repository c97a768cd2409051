package tgui

import (
	"html"
	"strings"
)

// ParseMode is the Telegram parse mode matching H.
const ParseMode = "HTML"

// H is HTML that is safe to send with ParseMode.
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// Join joins safe parts with sep, skipping blank ones.
func Join(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, sep))
}

// Bullets renders one "- item" line per entry under an optional heading.
func Bullets(heading H, items ...H) H {
	var sb strings.Builder
	sb.WriteString(heading.String())
	for _, it := range items {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("- ")
		sb.WriteString(it.String())
	}
	return H(sb.String())
}
