package agent

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// FlattenMarkdown strips markdown structure from a gateway reply so it
// can be spoken by a voice assistant. Emphasis markers, headings, and
// list bullets disappear; block boundaries become newlines; code blocks
// keep their literal lines.
func FlattenMarkdown(md string) string {
	src := []byte(md)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch v := n.(type) {
		case *ast.Text:
			b.Write(v.Segment.Value(src))
			if v.SoftLineBreak() || v.HardLineBreak() {
				b.WriteByte('\n')
			}
		case *ast.FencedCodeBlock:
			writeBlockBreak(&b)
			writeLines(&b, src, v)
			return ast.WalkSkipChildren, nil
		case *ast.CodeBlock:
			writeBlockBreak(&b)
			writeLines(&b, src, v)
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.Heading, *ast.ListItem, *ast.Blockquote:
			writeBlockBreak(&b)
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(b.String())
}

// writeBlockBreak separates blocks with a single newline.
func writeBlockBreak(b *strings.Builder) {
	if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
		b.WriteByte('\n')
	}
}

func writeLines(b *strings.Builder, src []byte, n ast.Node) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(src))
	}
}
