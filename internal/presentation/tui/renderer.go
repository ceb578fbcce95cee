package tui

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

// Entity is one shared entity as shown by the renderer.
type Entity struct {
	Data  any
	State map[string]any
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// SnapshotMarkdown formats a namespace snapshot as a markdown document with
// one table row per entity field.
func SnapshotMarkdown(namespace string, entities map[string]Entity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", namespace)
	if len(entities) == 0 {
		b.WriteString("_no entities_\n")
		return b.String()
	}

	ids := make([]string, 0, len(entities))
	for id := range entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	b.WriteString("| id | field | value |\n|---|---|---|\n")
	for _, id := range ids {
		e := entities[id]
		fmt.Fprintf(&b, "| %s | _data_ | %s |\n", id, cell(e.Data))

		keys := make([]string, 0, len(e.State))
		for k := range e.State {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", id, k, cell(e.State[k]))
		}
	}
	return b.String()
}

func cell(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return strings.ReplaceAll(string(raw), "|", "\\|")
}

// NewRenderer returns a function that renders markdown using glamour.
func NewRenderer() func(string) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return func(markdown string) (string, error) { return markdown, nil }
	}

	return func(markdown string) (string, error) {
		return r.Render(markdown)
	}
}
