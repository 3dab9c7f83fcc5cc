package core

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"

	"github.com/wjurkowlaniec/gdrive/internal/model"
)

// Tree branch glyphs.
const (
	branchTee    = "├── "
	branchCorner = "└── "
	branchBar    = "│   "
	branchBlank  = "    "
)

// DefaultDateFormat is the short modification date shown by tree.
const DefaultDateFormat = "2006-01-02 15:04"

// Renderer formats a fetched hierarchy as an aligned tree.
// Directories show a blank size column; unfetched directories are shown
// but not descended into.
type Renderer struct {
	DateFormat string
	// Footer appends the "N directories, M files" summary.
	Footer bool
}

// NewRenderer returns a renderer with the default layout.
func NewRenderer() *Renderer {
	return &Renderer{DateFormat: DefaultDateFormat, Footer: true}
}

// treeLine is one rendered row before column alignment.
type treeLine struct {
	label string // prefix + name
	date  string
	size  string
}

// Render writes the tree rooted at root to w.
func (r *Renderer) Render(w io.Writer, root *model.Entry) error {
	var lines []treeLine
	var dirs, files int

	rootLabel := root.Path
	if rootLabel == "" {
		rootLabel = root.Name
	}
	lines = append(lines, r.line(rootLabel, root))

	var walk func(e *model.Entry, prefix string)
	walk = func(e *model.Entry, prefix string) {
		children := e.Children.Entries()
		for i, c := range children {
			last := i == len(children)-1
			branch, carry := branchTee, branchBar
			if last {
				branch, carry = branchCorner, branchBlank
			}
			lines = append(lines, r.line(prefix+branch+c.Name, c))
			if c.IsDir() {
				dirs++
				if c.Children.IsFetched() {
					walk(c, prefix+carry)
				}
			} else {
				files++
			}
		}
	}
	if root.IsDir() {
		walk(root, "")
	}

	labelWidth, dateWidth, sizeWidth := 0, 0, 0
	for _, l := range lines {
		labelWidth = max(labelWidth, runewidth.StringWidth(l.label))
		dateWidth = max(dateWidth, len(l.date))
		sizeWidth = max(sizeWidth, len(l.size))
	}

	var b strings.Builder
	for _, l := range lines {
		b.WriteString(runewidth.FillRight(l.label, labelWidth))
		if dateWidth > 0 {
			b.WriteString("  ")
			b.WriteString(fmt.Sprintf("%-*s", dateWidth, l.date))
		}
		b.WriteString("  ")
		b.WriteString(fmt.Sprintf("%*s", sizeWidth, l.size))
		// Blank columns leave trailing spaces; drop them.
		out := strings.TrimRight(b.String(), " ")
		if _, err := io.WriteString(w, out+"\n"); err != nil {
			return err
		}
		b.Reset()
	}

	if r.Footer {
		if _, err := fmt.Fprintf(w, "\n%s, %s\n", plural(dirs, "directory", "directories"), plural(files, "file", "files")); err != nil {
			return err
		}
	}
	return nil
}

// RenderString renders root to a string.
func (r *Renderer) RenderString(root *model.Entry) string {
	var b strings.Builder
	r.Render(&b, root)
	return b.String()
}

func (r *Renderer) line(label string, e *model.Entry) treeLine {
	l := treeLine{label: label}
	if !e.ModifiedAt.IsZero() {
		l.date = e.ModifiedAt.Local().Format(r.DateFormat)
	}
	if !e.IsDir() {
		l.size = FormatSize(e.Size)
	}
	return l
}

// FormatSize formats bytes as human-readable IEC units.
func FormatSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, one)
	}
	return fmt.Sprintf("%d %s", n, many)
}
