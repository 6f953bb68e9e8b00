package channels

import (
	"errors"
	"html"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// telegramMarkdown parses model output before it is rendered to the HTML
// subset Telegram accepts. Tests swap it to force the plain-text path.
var telegramMarkdown = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))

// formatTelegram renders Markdown to Telegram HTML. ok is false when the
// text should be sent as plain text instead.
func formatTelegram(input string) (string, bool) {
	out, err := renderTelegram(input, telegramMarkdown)
	if err != nil || strings.TrimSpace(out) == "" {
		return "", false
	}
	return out, true
}

func renderTelegram(input string, md goldmark.Markdown) (string, error) {
	if md == nil {
		return "", errors.New("markdown parser is not configured")
	}
	src := []byte(input)
	doc := md.Parser().Parse(text.NewReader(src))

	var b strings.Builder
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Document:
		case *ast.Paragraph:
			if !entering && n.NextSibling() != nil {
				b.WriteString("\n\n")
			}
		case *ast.TextBlock:
			if !entering && n.NextSibling() != nil {
				b.WriteString("\n")
			}
		case *ast.Heading:
			if entering {
				b.WriteString("<b>")
			} else {
				b.WriteString("</b>")
				if n.NextSibling() != nil {
					b.WriteString("\n\n")
				}
			}
		case *ast.Text:
			if entering {
				b.WriteString(html.EscapeString(string(node.Segment.Value(src))))
				if node.SoftLineBreak() || node.HardLineBreak() {
					b.WriteString("\n")
				}
			}
		case *ast.String:
			if entering {
				b.WriteString(html.EscapeString(string(node.Value)))
			}
		case *ast.Emphasis:
			tag := "i"
			if node.Level >= 2 {
				tag = "b"
			}
			writeTag(&b, tag, entering)
		case *extast.Strikethrough:
			writeTag(&b, "s", entering)
		case *ast.CodeSpan:
			writeTag(&b, "code", entering)
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				b.WriteString("<pre><code>")
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.WriteString(html.EscapeString(string(seg.Value(src))))
				}
				b.WriteString("</code></pre>")
				if n.NextSibling() != nil {
					b.WriteString("\n\n")
				}
			}
			return ast.WalkSkipChildren, nil
		case *ast.Link:
			if entering {
				b.WriteString(`<a href="` + html.EscapeString(string(node.Destination)) + `">`)
			} else {
				b.WriteString("</a>")
			}
		case *ast.AutoLink:
			if entering {
				url := html.EscapeString(string(node.URL(src)))
				b.WriteString(`<a href="` + url + `">` + html.EscapeString(string(node.Label(src))) + "</a>")
			}
			return ast.WalkSkipChildren, nil
		case *ast.List:
			if !entering && n.NextSibling() != nil {
				b.WriteString("\n\n")
			}
		case *ast.ListItem:
			if entering {
				list, _ := n.Parent().(*ast.List)
				if list != nil && list.IsOrdered() {
					b.WriteString(strconv.Itoa(list.Start+itemIndex(n)) + ". ")
				} else {
					b.WriteString("- ")
				}
			} else if n.NextSibling() != nil {
				b.WriteString("\n")
			}
		case *ast.Blockquote:
			writeTag(&b, "blockquote", entering)
		case *ast.ThematicBreak:
			if entering && n.NextSibling() != nil {
				b.WriteString("\n")
			}
		case *ast.Image, *ast.RawHTML, *ast.HTMLBlock:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}

func writeTag(b *strings.Builder, tag string, entering bool) {
	if entering {
		b.WriteString("<" + tag + ">")
		return
	}
	b.WriteString("</" + tag + ">")
}

func itemIndex(n ast.Node) int {
	i := 0
	for prev := n.PreviousSibling(); prev != nil; prev = prev.PreviousSibling() {
		i++
	}
	return i
}
