// Package visualize renders slice flow paths as Mermaid flowcharts and
// optionally stores them in a flow graph store.
package visualize

import (
	"fmt"
	"strings"

	"github.com/graphide/graphide/internal/core/domain"
)

// FormatMermaid is the Visualization format produced here.
const FormatMermaid = "mermaid"

// maxLabel bounds node label length.
const maxLabel = 60

// Mermaid renders the slice as a top-down flowchart. Nodes at the same file
// and line are drawn once; sinks with findings are highlighted.
func Mermaid(filePath string, slice *domain.Slice, findings []domain.Finding) string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	if slice.Empty() {
		b.WriteString("    empty[\"no data flows\"]\n")
		return b.String()
	}

	flagged := make(map[string]string)
	for _, f := range findings {
		file := f.Location.File
		if file == "" {
			file = filePath
		}
		flagged[fmt.Sprintf("%s:%d", file, f.Location.Line)] = f.Kind
	}

	ids := make(map[string]string)
	var vulnerable []string
	declare := func(n domain.SliceNode) string {
		file := n.File
		if file == "" {
			file = filePath
		}
		key := fmt.Sprintf("%s:%d", file, n.Line)
		if id, ok := ids[key]; ok {
			return id
		}
		id := fmt.Sprintf("n%d", len(ids))
		ids[key] = id
		label := fmt.Sprintf("L%d: %s", n.Line, strings.TrimSpace(n.Code))
		if kind, ok := flagged[key]; ok {
			label += "<br/>" + kind
			vulnerable = append(vulnerable, id)
		}
		fmt.Fprintf(&b, "    %s[\"%s\"]\n", id, escape(label))
		return id
	}

	edges := make(map[string]bool)
	for _, p := range slice.Paths {
		prev := ""
		for _, n := range p.Nodes {
			id := declare(n)
			if prev != "" && prev != id {
				edge := prev + " --> " + id
				if !edges[edge] {
					edges[edge] = true
					fmt.Fprintf(&b, "    %s\n", edge)
				}
			}
			prev = id
		}
	}

	if len(vulnerable) > 0 {
		b.WriteString("    classDef vulnerable fill:#fdd,stroke:#c00,stroke-width:2px\n")
		fmt.Fprintf(&b, "    class %s vulnerable\n", strings.Join(vulnerable, ","))
	}
	return b.String()
}

// escape makes text safe inside a quoted Mermaid label.
func escape(s string) string {
	if len(s) > maxLabel {
		s = s[:maxLabel] + "..."
	}
	return strings.NewReplacer(
		`"`, "#quot;",
		"\n", " ",
		"<br/>", "<br/>",
		"<", "#lt;",
		">", "#gt;",
	).Replace(s)
}
