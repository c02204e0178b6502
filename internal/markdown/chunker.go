// Package markdown splits Markdown notes into header-scoped sections.
package markdown

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"
)

// Section is the body of a note under one H1 or H2 heading.
type Section struct {
	Index      int    // Position in the note (0, 1, 2...)
	HeaderPath string // Hierarchy: "# Renal Panel > ## Creatinine"
	Body       string // Section markdown, heading line included
}

// Text returns the body with the header path prepended, which is what gets
// embedded so that a window keeps its heading context.
func (s Section) Text() string {
	if s.HeaderPath == "" {
		return s.Body
	}
	return s.HeaderPath + "\n\n" + s.Body
}

// Splitter cuts Markdown at H1 and H2 boundaries.
type Splitter struct {
	md goldmark.Markdown
}

// NewSplitter creates a splitter backed by goldmark with auto heading IDs.
func NewSplitter() *Splitter {
	return &Splitter{
		md: goldmark.New(
			goldmark.WithParserOptions(
				parser.WithAutoHeadingID(),
			),
		),
	}
}

// Split returns the sections of source in document order. A note without
// H1/H2 headings comes back as a single section with an empty header path.
func (s *Splitter) Split(source []byte) ([]Section, error) {
	doc := s.md.Parser().Parse(text.NewReader(source))

	tree, err := toc.Inspect(doc, source,
		toc.MinDepth(1),
		toc.MaxDepth(2),
		toc.Compact(true),
	)
	if err != nil {
		return nil, fmt.Errorf("inspect TOC: %w", err)
	}

	if len(tree.Items) == 0 {
		body := strings.TrimSpace(string(source))
		if body == "" {
			return nil, nil
		}
		return []Section{{Index: 0, Body: body}}, nil
	}

	var sections []Section
	collect(doc, source, tree.Items, nil, &sections)
	return sections, nil
}

func collect(doc ast.Node, source []byte, items toc.Items, ancestors []string, out *[]Section) {
	for i, item := range items {
		path := append(append([]string(nil), ancestors...), string(item.Title))

		heading := headingByID(doc, string(item.ID))
		if heading == nil {
			continue
		}

		// A parent section stops at its first child so no text is embedded twice.
		start := heading.Lines().At(0)
		var end text.Segment
		switch {
		case len(item.Items) > 0:
			if child := headingByID(doc, string(item.Items[0].ID)); child != nil {
				end = child.Lines().At(0)
			}
		case i+1 < len(items):
			if next := headingByID(doc, string(items[i+1].ID)); next != nil {
				end = next.Lines().At(0)
			}
		default:
			end = nextBoundary(doc, heading, heading.(*ast.Heading).Level)
		}

		*out = append(*out, Section{
			Index:      len(*out),
			HeaderPath: headerPath(path),
			Body:       slice(source, start, end),
		})

		if len(item.Items) > 0 {
			collect(doc, source, item.Items, path, out)
		}
	}
}

// headerPath renders ["Renal Panel", "Creatinine"] as "# Renal Panel > ## Creatinine".
func headerPath(path []string) string {
	parts := make([]string, len(path))
	for i, segment := range path {
		parts[i] = strings.Repeat("#", i+1) + " " + segment
	}
	return strings.Join(parts, " > ")
}

func headingByID(node ast.Node, id string) ast.Node {
	var found ast.Node
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || n.Kind() != ast.KindHeading {
			return ast.WalkContinue, nil
		}
		if v, ok := n.AttributeString("id"); ok {
			if b, ok := v.([]byte); ok && string(b) == id {
				found = n
				return ast.WalkStop, nil
			}
		}
		return ast.WalkContinue, nil
	})
	return found
}

// nextBoundary finds the first heading after current at the same or a higher
// level. The zero segment means "until end of document".
func nextBoundary(root, current ast.Node, level int) text.Segment {
	var next ast.Node
	seen := false

	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || n.Kind() != ast.KindHeading {
			return ast.WalkContinue, nil
		}
		if !seen {
			seen = n == current
			return ast.WalkContinue, nil
		}
		if n.(*ast.Heading).Level <= level {
			next = n
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})

	if next != nil {
		return next.Lines().At(0)
	}
	return text.Segment{}
}

// slice returns the source between the lines holding start and end, so the
// heading markers of both headings land on the right side of the cut.
func slice(source []byte, start, end text.Segment) string {
	var buf bytes.Buffer
	from := lineStart(source, start.Start)
	if end.Start == 0 && end.Stop == 0 {
		buf.Write(source[from:])
	} else {
		buf.Write(source[from:lineStart(source, end.Start)])
	}
	return strings.TrimSpace(buf.String())
}

func lineStart(source []byte, pos int) int {
	if i := bytes.LastIndexByte(source[:pos], '\n'); i >= 0 {
		return i + 1
	}
	return 0
}
