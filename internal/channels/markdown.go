package channels

import (
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	gtext "github.com/yuin/goldmark/text"

	"github.com/qbot-ai/qbot/internal/logging"
)

// telegramMarkdown is the shared markdown parser for Telegram-bound replies.
var telegramMarkdown = newTelegramMarkdown()

func newTelegramMarkdown() goldmark.Markdown {
	return goldmark.New(goldmark.WithExtensions(extension.Strikethrough))
}

// formatTelegram converts markdown reply text into the HTML subset Telegram
// accepts. The second return is false when rendering failed and the caller
// should send the original text without a parse mode.
func formatTelegram(text string) (string, bool) {
	formatted, err := renderTelegram(text, telegramMarkdown)
	if err != nil {
		logging.Logger().Warn("telegram markdown render failed, sending plain text", "err", err)
		return "", false
	}
	return formatted, true
}

// renderTelegram walks the markdown AST and emits Telegram HTML. Telegram
// supports only a handful of tags, so block structure is flattened to plain
// lines and unsupported nodes (raw HTML, images) are omitted.
func renderTelegram(text string, md goldmark.Markdown) (string, error) {
	if md == nil {
		return "", errors.New("markdown parser is not initialized")
	}

	source := []byte(text)
	doc := md.Parser().Parse(gtext.NewReader(source))

	var out strings.Builder
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Paragraph:
			if !entering && node.NextSibling() != nil {
				out.WriteString("\n\n")
			}
		case *ast.TextBlock:
			if !entering && node.NextSibling() != nil {
				out.WriteString("\n")
			}
		case *ast.Heading:
			if entering {
				out.WriteString("<b>")
			} else {
				out.WriteString("</b>\n")
			}
		case *ast.Text:
			if entering {
				out.WriteString(html.EscapeString(string(node.Segment.Value(source))))
				if node.SoftLineBreak() || node.HardLineBreak() {
					out.WriteString("\n")
				}
			}
		case *ast.String:
			if entering {
				out.WriteString(html.EscapeString(string(node.Value)))
			}
		case *ast.Emphasis:
			tag := "i"
			if node.Level >= 2 {
				tag = "b"
			}
			if entering {
				out.WriteString("<" + tag + ">")
			} else {
				out.WriteString("</" + tag + ">")
			}
		case *extast.Strikethrough:
			if entering {
				out.WriteString("<s>")
			} else {
				out.WriteString("</s>")
			}
		case *ast.CodeSpan:
			if entering {
				out.WriteString("<code>")
				for child := node.FirstChild(); child != nil; child = child.NextSibling() {
					if textNode, ok := child.(*ast.Text); ok {
						out.WriteString(html.EscapeString(string(textNode.Segment.Value(source))))
					}
				}
				out.WriteString("</code>")
			}
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock:
			if entering {
				writeCodeLines(&out, node.Lines(), source)
				if node.NextSibling() != nil {
					out.WriteString("\n")
				}
			}
			return ast.WalkSkipChildren, nil
		case *ast.CodeBlock:
			if entering {
				writeCodeLines(&out, node.Lines(), source)
				if node.NextSibling() != nil {
					out.WriteString("\n")
				}
			}
			return ast.WalkSkipChildren, nil
		case *ast.Link:
			if entering {
				out.WriteString(`<a href="` + html.EscapeString(string(node.Destination)) + `">`)
			} else {
				out.WriteString("</a>")
			}
		case *ast.AutoLink:
			if entering {
				url := html.EscapeString(string(node.URL(source)))
				label := html.EscapeString(string(node.Label(source)))
				out.WriteString(`<a href="` + url + `">` + label + `</a>`)
			}
			return ast.WalkSkipChildren, nil
		case *ast.Image:
			return ast.WalkSkipChildren, nil
		case *ast.List:
			if !entering && node.NextSibling() != nil {
				out.WriteString("\n")
			}
		case *ast.ListItem:
			if entering {
				if list, ok := node.Parent().(*ast.List); ok && list.IsOrdered() {
					out.WriteString(fmt.Sprintf("%d. ", listItemNumber(node, list)))
				} else {
					out.WriteString("- ")
				}
			} else {
				out.WriteString("\n")
			}
		case *ast.Blockquote:
			if entering {
				out.WriteString("<blockquote>")
			} else {
				out.WriteString("</blockquote>")
				if node.NextSibling() != nil {
					out.WriteString("\n")
				}
			}
		case *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock:
			return ast.WalkSkipChildren, nil
		case *ast.ThematicBreak:
			if entering && node.NextSibling() != nil {
				out.WriteString("\n")
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", fmt.Errorf("walk markdown tree: %w", err)
	}
	return out.String(), nil
}

func writeCodeLines(out *strings.Builder, lines *gtext.Segments, source []byte) {
	out.WriteString("<pre><code>")
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		out.WriteString(html.EscapeString(string(segment.Value(source))))
	}
	out.WriteString("</code></pre>")
}

func listItemNumber(item ast.Node, list *ast.List) int {
	number := list.Start
	if number == 0 {
		number = 1
	}
	for sibling := item.PreviousSibling(); sibling != nil; sibling = sibling.PreviousSibling() {
		number++
	}
	return number
}
