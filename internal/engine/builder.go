package engine

import (
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/roach88/ndrt/internal/algebra"
	"github.com/roach88/ndrt/internal/funcs"
	"github.com/roach88/ndrt/internal/ir"
	"github.com/roach88/ndrt/internal/timer"
)

// Periodic declares a timer trigger started with every node.
type Periodic struct {
	Tag    string
	Policy timer.Policy
}

// TimerSchema is the schema of every timer-fired tuple: the local address
// and a fresh random nonce.
func TimerSchema(tag string) ir.Schema {
	return ir.Schema{
		Name:  tag,
		Attrs: []ir.AttrDef{ir.Def("loc", ir.KindAddress), ir.Def("nonce", ir.KindInt32)},
	}
}

// Builder assembles a RuleTable. It is the only way to create one; once
// built, a table never changes.
//
// Builder methods record declarations and never fail; all checking is
// deferred to Build so every problem is reported together, one per line.
type Builder struct {
	name      string
	relations []ir.Schema
	events    []ir.Schema
	periodics []Periodic
	bindings  []binding
}

// NewBuilder starts a rule table with a display name.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// Relation declares a relation schema.
func (b *Builder) Relation(s ir.Schema) *Builder {
	b.relations = append(b.relations, s)
	return b
}

// Event declares the schema of a message tag (received or sent).
func (b *Builder) Event(s ir.Schema) *Builder {
	b.events = append(b.events, s)
	return b
}

// Periodic declares a timer trigger. Its tag becomes an event with
// TimerSchema.
func (b *Builder) Periodic(tag string, p timer.Policy) *Builder {
	b.periodics = append(b.periodics, Periodic{Tag: tag, Policy: p})
	b.events = append(b.events, TimerSchema(tag))
	return b
}

// Rule appends a declarative rule to its trigger's list.
func (b *Builder) Rule(r Rule) *Builder {
	rc := r
	b.bindings = append(b.bindings, binding{name: r.Name, on: r.On, rule: &rc})
	return b
}

// Handle appends a hand-written handler to its trigger's list.
func (b *Builder) Handle(name string, on Trigger, h Handler) *Builder {
	b.bindings = append(b.bindings, binding{name: name, on: on, handler: h})
	return b
}

// Build checks every declaration and returns the immutable table.
func (b *Builder) Build() (*RuleTable, error) {
	t := &RuleTable{
		name:      b.name,
		relations: make(map[string]ir.Schema, len(b.relations)),
		events:    make(map[string]ir.Schema, len(b.events)),
		registry:  make(map[Trigger][]*binding),
	}
	var errs []error

	for _, s := range b.relations {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := t.relations[s.Name]; dup {
			errs = append(errs, errors.Newf("relation %s declared twice", s.Name))
			continue
		}
		t.relations[s.Name] = s
		t.relationOrder = append(t.relationOrder, s.Name)
	}
	for _, s := range b.events {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := t.events[s.Name]; dup {
			errs = append(errs, errors.Newf("event %s declared twice", s.Name))
			continue
		}
		if _, clash := t.relations[s.Name]; clash {
			errs = append(errs, errors.Newf("%s is declared as both relation and event", s.Name))
			continue
		}
		for _, a := range s.Attrs {
			if a.Name == ir.DestAttr || a.Name == ir.SigAttr {
				errs = append(errs, errors.Newf("event %s: attribute %s is reserved", s.Name, a.Name))
			}
		}
		t.events[s.Name] = s
		t.eventOrder = append(t.eventOrder, s.Name)
	}
	for _, p := range b.periodics {
		if err := p.Policy.Validate(); err != nil {
			errs = append(errs, errors.Wrapf(err, "periodic %s", p.Tag))
			continue
		}
		t.periodics = append(t.periodics, p)
	}

	lib := funcs.New(nil, nil) // signatures only
	seen := make(map[string]bool, len(b.bindings))
	for i := range b.bindings {
		bd := b.bindings[i]
		if bd.name == "" {
			errs = append(errs, errors.Newf("rule #%d on %s has no name", i, bd.on))
			continue
		}
		if seen[bd.name] {
			errs = append(errs, errors.Newf("rule %s declared twice", bd.name))
			continue
		}
		seen[bd.name] = true
		if err := t.checkBinding(&bd, lib); err != nil {
			errs = append(errs, err)
			continue
		}
		t.registry[bd.on] = append(t.registry[bd.on], &bd)
		t.order = append(t.order, &bd)
	}

	if len(errs) > 0 {
		return nil, errors.Wrapf(errors.Join(errs...), "rule table %s", b.name)
	}
	return t, nil
}

func (t *RuleTable) triggerSchema(on Trigger) (ir.Schema, error) {
	switch on.Kind {
	case ir.EventRecv, ir.EventTimer:
		s, ok := t.events[on.Tag]
		if !ok {
			return ir.Schema{}, errors.Newf("trigger %s: unknown event", on)
		}
		if on.Kind == ir.EventTimer && !t.isPeriodic(on.Tag) {
			return ir.Schema{}, errors.Newf("trigger %s: no periodic trigger with that tag", on)
		}
		return s, nil
	case ir.EventInsert, ir.EventDelete:
		s, ok := t.relations[on.Tag]
		if !ok {
			return ir.Schema{}, errors.Newf("trigger %s: unknown relation", on)
		}
		return s, nil
	default:
		return ir.Schema{}, errors.Newf("trigger %s: unknown event kind", on)
	}
}

func (t *RuleTable) checkBinding(bd *binding, lib algebra.Functions) error {
	in, err := t.triggerSchema(bd.on)
	if err != nil {
		return &algebra.ValidationError{Rule: bd.name, Step: -1, Message: err.Error()}
	}
	if bd.handler != nil {
		return nil
	}
	r := bd.rule

	if r.Verify != "" {
		i := in.Index(r.Verify)
		if i < 0 || in.Attrs[i].Type != ir.KindAddress {
			return &algebra.ValidationError{Rule: r.Name, Step: -1,
				Message: fmt.Sprintf("verify attribute %q must be an address of %s", r.Verify, in.Name)}
		}
	}

	out, err := algebra.Check(r.Body, algebra.ShapeOf(in), relationCatalog(t.relations), lib)
	if err != nil {
		var ve *algebra.ValidationError
		if errors.As(err, &ve) {
			ve.Rule = r.Name
		}
		return err
	}

	fail := func(format string, args ...any) error {
		return &algebra.ValidationError{Rule: r.Name, Step: -1, Message: fmt.Sprintf(format, args...)}
	}
	if len(r.Body) == 0 {
		return fail("empty body")
	}
	if _, ok := r.Body[len(r.Body)-1].(algebra.Project); !ok {
		return fail("body must end with a project step")
	}
	if r.Sign && r.Action != ActionSend && r.Action != ActionSendLocal {
		return fail("only send and sendLocal outputs can be signed")
	}

	switch r.Action {
	case ActionInsert, ActionDelete:
		s, ok := t.relations[out.Tag]
		if !ok {
			return fail("%s target %q is not a relation", r.Action, out.Tag)
		}
		if msg := matchShape(s, out.Attrs); msg != "" {
			return fail("%s %s: %s", r.Action, out.Tag, msg)
		}
	case ActionSend:
		n := len(out.Attrs)
		if n == 0 || out.Attrs[n-1].Name != ir.DestAttr || out.Attrs[n-1].Type != ir.KindAddress {
			return fail("send output must end with an address attribute %s", ir.DestAttr)
		}
		s, ok := t.events[out.Tag]
		if !ok {
			return fail("send target %q is not a declared event", out.Tag)
		}
		if msg := matchShape(s, out.Attrs[:n-1]); msg != "" {
			return fail("send %s: %s", out.Tag, msg)
		}
	case ActionSendLocal:
		s, ok := t.events[out.Tag]
		if !ok {
			return fail("sendLocal target %q is not a declared event", out.Tag)
		}
		if msg := matchShape(s, out.Attrs); msg != "" {
			return fail("sendLocal %s: %s", out.Tag, msg)
		}
	default:
		return fail("unknown action %d", r.Action)
	}
	return nil
}

func matchShape(s ir.Schema, attrs []ir.AttrDef) string {
	if len(attrs) != len(s.Attrs) {
		return fmt.Sprintf("expected %d attributes, got %d", len(s.Attrs), len(attrs))
	}
	for i, a := range attrs {
		if a.Type != s.Attrs[i].Type {
			return fmt.Sprintf("attribute %d (%s) must be %s, got %s", i, s.Attrs[i].Name, s.Attrs[i].Type, a.Type)
		}
	}
	return ""
}

type relationCatalog map[string]ir.Schema

func (c relationCatalog) Schema(name string) (ir.Schema, bool) {
	s, ok := c[name]
	return s, ok
}

// RuleTable is a validated, immutable protocol description shared by any
// number of nodes.
type RuleTable struct {
	name          string
	relations     map[string]ir.Schema
	relationOrder []string
	events        map[string]ir.Schema
	eventOrder    []string
	periodics     []Periodic
	registry      map[Trigger][]*binding
	order         []*binding
}

// Name returns the table's display name.
func (t *RuleTable) Name() string { return t.name }

// Relations returns the relation schemas in declaration order.
func (t *RuleTable) Relations() []ir.Schema {
	out := make([]ir.Schema, len(t.relationOrder))
	for i, n := range t.relationOrder {
		out[i] = t.relations[n]
	}
	return out
}

// Events returns the event schemas in declaration order.
func (t *RuleTable) Events() []ir.Schema {
	out := make([]ir.Schema, len(t.eventOrder))
	for i, n := range t.eventOrder {
		out[i] = t.events[n]
	}
	return out
}

// Event returns the schema of an event tag.
func (t *RuleTable) Event(tag string) (ir.Schema, bool) {
	s, ok := t.events[tag]
	return s, ok
}

// Relation returns the schema of a relation.
func (t *RuleTable) Relation(name string) (ir.Schema, bool) {
	s, ok := t.relations[name]
	return s, ok
}

// Periodics returns the periodic triggers in declaration order.
func (t *RuleTable) Periodics() []Periodic {
	out := make([]Periodic, len(t.periodics))
	copy(out, t.periodics)
	return out
}

func (t *RuleTable) isPeriodic(tag string) bool {
	for _, p := range t.periodics {
		if p.Tag == tag {
			return true
		}
	}
	return false
}

// RuleNames returns rule and handler names in declaration order.
func (t *RuleTable) RuleNames() []string {
	out := make([]string, len(t.order))
	for i, bd := range t.order {
		out[i] = bd.name
	}
	return out
}

// Triggers returns every trigger with at least one rule, sorted by kind
// then tag.
func (t *RuleTable) Triggers() []Trigger {
	out := make([]Trigger, 0, len(t.registry))
	for tr := range t.registry {
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Tag < out[j].Tag
	})
	return out
}

// Bound returns the rule names registered for a trigger, in order.
func (t *RuleTable) Bound(on Trigger) []string {
	bds := t.registry[on]
	out := make([]string, len(bds))
	for i, bd := range bds {
		out[i] = bd.name
	}
	return out
}
