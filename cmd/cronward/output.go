package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"cronward/internal/task"
)

// table is a plain column-aligned table with a colored header.
type table struct {
	headers []string
	rows    [][]string
	widths  []int
}

func newTable(headers ...string) *table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	return &table{headers: headers, widths: widths}
}

// addRow measures colored cells without their escape codes.
func (t *table) addRow(cells ...string) {
	for i, c := range cells {
		if i < len(t.widths) {
			t.widths[i] = max(t.widths[i], visibleLen(c))
		}
	}
	t.rows = append(t.rows, cells)
}

func (t *table) render(w io.Writer) {
	head := color.New(color.FgCyan, color.Bold)
	for i, h := range t.headers {
		head.Fprint(w, pad(h, t.widths[i]))
		fmt.Fprint(w, "  ")
	}
	fmt.Fprintln(w)
	for i := range t.headers {
		fmt.Fprint(w, strings.Repeat("-", t.widths[i]), "  ")
	}
	fmt.Fprintln(w)
	for _, row := range t.rows {
		for i, c := range row {
			if i < len(t.widths) {
				fmt.Fprint(w, pad(c, t.widths[i]), "  ")
			}
		}
		fmt.Fprintln(w)
	}
}

func pad(s string, width int) string {
	if n := width - visibleLen(s); n > 0 {
		return s + strings.Repeat(" ", n)
	}
	return s
}

// visibleLen ignores ANSI color sequences.
func visibleLen(s string) int {
	n, esc := 0, false
	for _, r := range s {
		switch {
		case esc:
			if r == 'm' {
				esc = false
			}
		case r == '\x1b':
			esc = true
		default:
			n++
		}
	}
	return n
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func success(w io.Writer, format string, args ...any) {
	color.New(color.FgGreen, color.Bold).Fprintf(w, format+"\n", args...)
}

func warn(w io.Writer, format string, args ...any) {
	color.New(color.FgYellow).Fprintf(w, format+"\n", args...)
}

func outcome(o task.Outcome) string {
	switch o {
	case task.OutcomeSuccess:
		return color.GreenString(string(o))
	case task.OutcomeFailure:
		return color.RedString(string(o))
	case task.OutcomeTimeout:
		return color.YellowString(string(o))
	case "":
		return "-"
	default:
		return string(o)
	}
}

func enabled(on bool) string {
	if on {
		return color.GreenString("yes")
	}
	return color.HiBlackString("no")
}

// when renders an instant relative to now ("3 minutes ago", "2 hours from now").
func when(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func dur(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
