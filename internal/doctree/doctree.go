// Package doctree holds the structural form of a parsed document and
// renders it back to the flat text the chunker splits.
package doctree

import (
	"fmt"
	"strings"
)

// DocTree is the root of a parsed document.
type DocTree struct {
	Title    string     // Document title (from metadata or filename)
	Pages    int        // Page count when the format has pages, else 0
	Children []*DocNode // Top-level sections
}

// DocNode is a recursive section in the document tree.
type DocNode struct {
	Title    string     // Section heading (empty for leaf text)
	Text     string     // Text content of this node (may be empty for container nodes)
	Page     int        // Source page (0 if N/A)
	Children []*DocNode // Subsections
}

// Flatten renders the tree as plain text in reading order. Headings become
// their own paragraph; a node with a page number is preceded by a
// "--- Page N ---" marker so passages can be traced back to pages.
func Flatten(tree *DocTree) string {
	if tree == nil {
		return ""
	}
	var parts []string
	var walk func(nodes []*DocNode)
	walk = func(nodes []*DocNode) {
		for _, n := range nodes {
			if n.Page > 0 {
				parts = append(parts, fmt.Sprintf("--- Page %d ---", n.Page))
			}
			if t := strings.TrimSpace(n.Title); t != "" && n.Page == 0 {
				parts = append(parts, t)
			}
			if t := strings.TrimSpace(n.Text); t != "" {
				parts = append(parts, t)
			}
			walk(n.Children)
		}
	}
	walk(tree.Children)
	return strings.Join(parts, "\n\n")
}

// PageText is the rendered text of one page.
type PageText struct {
	Page int
	Text string
}

// SplitPages renders the tree page by page in reading order. Text outside
// any paged node belongs to the page before it, or to page 1; a document
// without pages is a single page 1. Pages with no text are dropped.
func SplitPages(tree *DocTree) []PageText {
	if tree == nil {
		return nil
	}
	var pages []PageText
	var parts []string
	current := 1
	emit := func() {
		if len(parts) > 0 {
			pages = append(pages, PageText{Page: current, Text: strings.Join(parts, "\n\n")})
		}
		parts = nil
	}
	var walk func(nodes []*DocNode)
	walk = func(nodes []*DocNode) {
		for _, n := range nodes {
			if n.Page > 0 && n.Page != current {
				emit()
				current = n.Page
			}
			if t := strings.TrimSpace(n.Title); t != "" && n.Page == 0 {
				parts = append(parts, t)
			}
			if t := strings.TrimSpace(n.Text); t != "" {
				parts = append(parts, t)
			}
			walk(n.Children)
		}
	}
	walk(tree.Children)
	emit()
	return pages
}

// Builder assembles a tree from a stream of headings and paragraphs,
// nesting each heading under the nearest shallower one.
type Builder struct {
	root  *DocNode
	stack []level
	text  strings.Builder
}

type level struct {
	node  *DocNode
	depth int
}

func NewBuilder() *Builder {
	root := &DocNode{}
	return &Builder{root: root, stack: []level{{node: root, depth: 0}}}
}

// Heading opens a section at depth (1 for a top-level heading).
func (b *Builder) Heading(depth int, title string) {
	b.flush()
	n := &DocNode{Title: title}
	for len(b.stack) > 1 && b.stack[len(b.stack)-1].depth >= depth {
		b.stack = b.stack[:len(b.stack)-1]
	}
	parent := b.stack[len(b.stack)-1].node
	parent.Children = append(parent.Children, n)
	b.stack = append(b.stack, level{node: n, depth: depth})
}

// Paragraph adds text to the current section.
func (b *Builder) Paragraph(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if b.text.Len() > 0 {
		b.text.WriteString("\n\n")
	}
	b.text.WriteString(text)
}

func (b *Builder) flush() {
	t := strings.TrimSpace(b.text.String())
	b.text.Reset()
	if t == "" {
		return
	}
	top := b.stack[len(b.stack)-1].node
	if top.Text != "" {
		top.Text += "\n\n" + t
	} else {
		top.Text = t
	}
}

// Tree finishes the document. Text before the first heading becomes a
// leading untitled node.
func (b *Builder) Tree(title string) *DocTree {
	b.flush()
	tree := &DocTree{Title: title}
	if b.root.Text != "" {
		tree.Children = append(tree.Children, &DocNode{Text: b.root.Text})
	}
	tree.Children = append(tree.Children, b.root.Children...)
	return tree
}
