package tgui

import (
	"html"
	"strings"
)

// H is HTML that is safe to send with ParseMode="HTML". Values of type H are
// treated as already escaped.
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H { return wrap("b", Esc(s)) }
func I(s string) H { return wrap("i", Esc(s)) }

// Link builds an anchor; both the text and the url are escaped.
func Link(text, url string) H {
	return H(`<a href="` + html.EscapeString(url) + `">` + html.EscapeString(text) + `</a>`)
}

// JoinH joins non-blank parts with sep.
func JoinH(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, sep))
}

// Doc accumulates blocks separated by blank lines.
type Doc struct {
	blocks []H
}

// Block appends a block; blank blocks are dropped.
func (d *Doc) Block(parts ...H) *Doc {
	if h := JoinH("\n", parts...); h != "" {
		d.blocks = append(d.blocks, h)
	}
	return d
}

func (d *Doc) HTML() H { return JoinH("\n\n", d.blocks...) }
