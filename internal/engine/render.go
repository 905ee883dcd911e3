package engine

import (
	"fmt"
	"io"
	"strings"

	"github.com/roach88/ndrt/internal/ir"
)

// Render writes a stable, human-readable listing of the table: schemas,
// periodic triggers and every rule in declaration order.
func (t *RuleTable) Render(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "ruleset %s\n", t.name)

	b.WriteString("\nrelations:\n")
	for _, s := range t.Relations() {
		b.WriteString("  " + renderSchema(s))
		if len(s.Key) > 0 {
			b.WriteString(" key(" + strings.Join(s.Key, ", ") + ")")
		}
		if s.Retention > 0 {
			b.WriteString(" retain " + s.Retention.String())
		}
		b.WriteByte('\n')
	}

	b.WriteString("\nevents:\n")
	for _, s := range t.Events() {
		b.WriteString("  " + renderSchema(s) + "\n")
	}

	if len(t.periodics) > 0 {
		b.WriteString("\nperiodic:\n")
		for _, p := range t.periodics {
			fmt.Fprintf(&b, "  %s %s\n", p.Tag, p.Policy)
		}
	}

	b.WriteString("\nrules:\n")
	for _, bd := range t.order {
		if bd.handler != nil {
			fmt.Fprintf(&b, "  %s on %s: handler\n", bd.name, bd.on)
			continue
		}
		r := bd.rule
		fmt.Fprintf(&b, "  %s on %s -> %s", r.Name, r.On, r.Action)
		if r.Sign {
			b.WriteString(" signed")
		}
		b.WriteByte('\n')
		if r.Verify != "" {
			fmt.Fprintf(&b, "    verify %s\n", r.Verify)
		}
		for _, step := range r.Body {
			b.WriteString("    " + step.String() + "\n")
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func renderSchema(s ir.Schema) string {
	parts := make([]string, len(s.Attrs))
	for i, a := range s.Attrs {
		parts[i] = a.Name + " " + a.Type.String()
	}
	return s.Name + "(" + strings.Join(parts, ", ") + ")"
}
