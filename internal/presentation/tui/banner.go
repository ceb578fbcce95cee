package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

// PrintBanner writes the lattice banner to w.
func PrintBanner(w io.Writer) {
	p := termenv.ColorProfile()
	lines := []struct {
		text  string
		color string
	}{
		{" _       _   _   _          ", "#2dd4bf"},
		{"| | __ _| |_| |_(_) ___ ___ ", "#22d3ee"},
		{"| |/ _` | __| __| |/ __/ _ \\", "#38bdf8"},
		{"| | (_| | |_| |_| | (_|  __/", "#60a5fa"},
		{"|_|\\__,_|\\__|\\__|_|\\___\\___|", "#818cf8"},
	}

	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, termenv.String(l.text).Foreground(p.Color(l.color)))
	}
	fmt.Fprintln(w)
}

// Peer labels a demo peer in a stable color.
func Peer(name string, index int) string {
	p := termenv.ColorProfile()
	colors := []string{"#2dd4bf", "#f472b6", "#facc15", "#a78bfa"}
	return termenv.String(name).Bold().Foreground(p.Color(colors[index%len(colors)])).String()
}
