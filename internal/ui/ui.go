// Package ui renders CLI output with lipgloss. Colour is used only when the
// destination is a terminal.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Printer writes styled lines to one destination.
type Printer struct {
	w io.Writer

	title lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	fail  lipgloss.Style
	dim   lipgloss.Style
	key   lipgloss.Style
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// New returns a printer for w. Non-terminal writers get plain text.
func New(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	if !IsTerminal(w) || os.Getenv("NO_COLOR") != "" {
		r.SetColorProfile(termenv.Ascii)
	}

	return &Printer{
		w:     w,
		title: r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		ok:    r.NewStyle().Foreground(lipgloss.Color("10")),
		warn:  r.NewStyle().Foreground(lipgloss.Color("11")),
		fail:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		dim:   r.NewStyle().Faint(true),
		key:   r.NewStyle().Bold(true),
	}
}

func (p *Printer) Title(s string) {
	fmt.Fprintln(p.w, p.title.Render(s))
}

func (p *Printer) Success(format string, args ...any) {
	fmt.Fprintln(p.w, p.ok.Render("✓ "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Warn(format string, args ...any) {
	fmt.Fprintln(p.w, p.warn.Render("! "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Error(format string, args ...any) {
	fmt.Fprintln(p.w, p.fail.Render("✗ "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Dim(format string, args ...any) {
	fmt.Fprintln(p.w, p.dim.Render(fmt.Sprintf(format, args...)))
}

// KV prints an aligned "key: value" line.
func (p *Printer) KV(key string, value any) {
	fmt.Fprintf(p.w, "%s %v\n", p.key.Render(fmt.Sprintf("%-14s", key+":")), value)
}

// Table prints rows under headers with left-aligned columns.
func (p *Printer) Table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	line := func(cells []string, style *lipgloss.Style) string {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			padded := cell + strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			if style != nil {
				padded = style.Render(padded)
			}
			parts[i] = padded
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	fmt.Fprintln(p.w, line(headers, &p.key))
	for _, row := range rows {
		fmt.Fprintln(p.w, line(row, nil))
	}
}
