package tgui

import "testing"

func TestEscapingHelpers(t *testing.T) {
	if got := B("a<b>&c").String(); got != "<b>a&lt;b&gt;&amp;c</b>" {
		t.Fatalf("B = %q", got)
	}
	if got := Link(`x"y`, "https://e.x/?a=1&b=2").String(); got != `<a href="https://e.x/?a=1&amp;b=2">x&#34;y</a>` {
		t.Fatalf("Link = %q", got)
	}
}

func TestDocSkipsBlankBlocks(t *testing.T) {
	var d Doc
	d.Block(B("title"), I("")).Block().Block(Esc("body"))
	if got := d.HTML().String(); got != "<b>title</b>\n<i></i>\n\nbody" {
		t.Fatalf("HTML = %q", got)
	}
}
