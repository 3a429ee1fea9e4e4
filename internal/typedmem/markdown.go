package typedmem

import (
	"fmt"
	"strings"
)

var typeTitles = map[SignalType]string{
	TypeTask:     "Tasks",
	TypeDecision: "Decisions",
	TypeRisk:     "Risks",
	TypePath:     "Paths",
}

// RenderMarkdown renders the index for humans. perType limits each
// section; 0 renders everything.
func (idx *Index) RenderMarkdown(perType int) string {
	var b strings.Builder
	b.WriteString("# Typed Memory\n\n")
	fmt.Fprintf(&b, "- Events: %d (tip seq %d)\n", idx.EventCount, idx.TipSeq)
	if !idx.ReferenceTime.IsZero() {
		fmt.Fprintf(&b, "- As of: %s\n", idx.ReferenceTime.Format("2006-01-02T15:04:05Z07:00"))
	}
	for _, t := range Types {
		b.WriteString("\n## " + typeTitles[t] + "\n\n")
		sigs := idx.ByType(t)
		if len(sigs) == 0 {
			b.WriteString("- (none)\n")
			continue
		}
		for i, s := range sigs {
			if perType > 0 && i >= perType {
				fmt.Fprintf(&b, "- … %d more\n", len(sigs)-perType)
				break
			}
			fmt.Fprintf(&b, "- %s (w=%.3f, seq %d, n=%d)\n", s.Value, s.Weight, s.LastSeq, len(s.SupportingSeqs))
		}
	}
	return b.String()
}
