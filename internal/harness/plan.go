package harness

import (
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/roach88/ndrt/internal/engine"
	"github.com/roach88/ndrt/internal/ir"
	"github.com/roach88/ndrt/internal/protocols/discovery"
	"github.com/roach88/ndrt/internal/protocols/epidemic"
	"github.com/roach88/ndrt/internal/protocols/pathvector"
	"github.com/roach88/ndrt/internal/security"
)

// Protocols maps protocol names to the function declaring their rules.
var Protocols = map[string]func(*engine.Builder) *engine.Builder{
	"discovery":  discovery.Register,
	"epidemic":   epidemic.Register,
	"pathvector": pathvector.Register,
}

// ProtocolNames returns the registered protocol names, sorted.
func ProtocolNames() []string {
	names := make([]string, 0, len(Protocols))
	for n := range Protocols {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// BuildTable builds the rule table of a registered protocol.
func BuildTable(protocol string) (*engine.RuleTable, error) {
	register, ok := Protocols[protocol]
	if !ok {
		return nil, errors.Newf("unknown protocol %q", protocol)
	}
	return register(engine.NewBuilder(protocol)).Build()
}

// StepKind says what a TimedStep does.
type StepKind uint8

const (
	StepInject StepKind = iota + 1
	StepInsert
	StepDelete
	StepLink
	StepUnlink
)

var stepKindNames = map[StepKind]string{
	StepInject: "inject",
	StepInsert: "insert",
	StepDelete: "delete",
	StepLink:   "link",
	StepUnlink: "unlink",
}

func (k StepKind) String() string { return stepKindNames[k] }

// Placed is a tuple bound for one node.
type Placed struct {
	Node  ir.Address
	Tuple ir.Tuple
}

// TimedStep is a resolved scenario step.
type TimedStep struct {
	At   time.Duration
	Kind StepKind
	Placed
	Pair [2]ir.Address
}

func (s TimedStep) String() string {
	switch s.Kind {
	case StepLink, StepUnlink:
		return fmt.Sprintf("+%s %s %s-%s", s.At, s.Kind, s.Pair[0], s.Pair[1])
	default:
		return fmt.Sprintf("+%s %s %s at %s", s.At, s.Kind, s.Tuple, s.Node)
	}
}

// Plan is a scenario resolved against its protocol: addresses parsed,
// tuples typed by their schemas and steps sorted by time.
type Plan struct {
	Scenario *Scenario
	Table    *engine.RuleTable
	Nodes    []ir.Address
	Links    [][2]ir.Address
	Facts    []Placed
	Steps    []TimedStep
	Duration time.Duration
	Latency  time.Duration
	checks   []check
	keys     *security.Keyring
}

// Compile resolves a validated scenario into a Plan. Every address must
// name a declared node and every tuple must fit its tag's schema.
func Compile(s *Scenario) (*Plan, error) {
	if err := validateScenario(s); err != nil {
		return nil, errors.Wrap(err, "invalid scenario")
	}
	table, err := BuildTable(s.Protocol)
	if err != nil {
		return nil, err
	}
	p := &Plan{Scenario: s, Table: table}
	p.Duration, _ = parseDuration("duration", s.Duration, true)
	p.Latency, _ = parseDuration("latency", s.Latency, false)

	known := make(map[ir.Address]bool, len(s.Nodes))
	for _, raw := range s.Nodes {
		a, err := ir.ParseAddress(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "node %q", raw)
		}
		if a == ir.Broadcast {
			return nil, errors.Newf("node %q: broadcast address is reserved", raw)
		}
		if known[a] {
			return nil, errors.Newf("node %s declared twice", a)
		}
		known[a] = true
		p.Nodes = append(p.Nodes, a)
	}
	node := func(raw string) (ir.Address, error) {
		a, err := ir.ParseAddress(raw)
		if err != nil {
			return 0, errors.Wrapf(err, "address %q", raw)
		}
		if !known[a] {
			return 0, errors.Newf("address %s is not a declared node", a)
		}
		return a, nil
	}
	pair := func(raw []string) ([2]ir.Address, error) {
		a, err := node(raw[0])
		if err != nil {
			return [2]ir.Address{}, err
		}
		b, err := node(raw[1])
		if err != nil {
			return [2]ir.Address{}, err
		}
		return [2]ir.Address{a, b}, nil
	}
	place := func(ts TupleSpec, event bool) (Placed, error) {
		a, err := node(ts.Node)
		if err != nil {
			return Placed{}, err
		}
		schema, ok := table.Relation(ts.Tag)
		if event {
			schema, ok = table.Event(ts.Tag)
		}
		if !ok {
			what := "relation"
			if event {
				what = "event"
			}
			return Placed{}, errors.Newf("%s has no %s %q", s.Protocol, what, ts.Tag)
		}
		t, err := BuildTuple(schema, ts.Attrs)
		if err != nil {
			return Placed{}, err
		}
		return Placed{Node: a, Tuple: t}, nil
	}

	for i, l := range s.Links {
		pr, err := pair(l)
		if err != nil {
			return nil, errors.Wrapf(err, "links[%d]", i)
		}
		p.Links = append(p.Links, pr)
	}
	for i, f := range s.Facts {
		pl, err := place(f, false)
		if err != nil {
			return nil, errors.Wrapf(err, "facts[%d]", i)
		}
		p.Facts = append(p.Facts, pl)
	}
	for i, st := range s.Steps {
		ts := TimedStep{}
		ts.At, _ = parseDuration("at", st.At, true)
		switch {
		case st.Inject != nil:
			ts.Kind = StepInject
			ts.Placed, err = place(*st.Inject, true)
		case st.Insert != nil:
			ts.Kind = StepInsert
			ts.Placed, err = place(*st.Insert, false)
		case st.Delete != nil:
			ts.Kind = StepDelete
			ts.Placed, err = place(*st.Delete, false)
		case st.Link != nil:
			ts.Kind = StepLink
			ts.Pair, err = pair(st.Link)
		case st.Unlink != nil:
			ts.Kind = StepUnlink
			ts.Pair, err = pair(st.Unlink)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "steps[%d]", i)
		}
		p.Steps = append(p.Steps, ts)
	}
	sort.SliceStable(p.Steps, func(i, j int) bool { return p.Steps[i].At < p.Steps[j].At })

	for i, e := range s.Expect {
		c, err := compileCheck(table, e, node)
		if err != nil {
			return nil, errors.Wrapf(err, "expect[%d]", i)
		}
		p.checks = append(p.checks, c)
	}
	return p, nil
}

// World is what a plan's steps act on: the simulator here, or a live
// cluster in the CLI.
type World interface {
	Node(ir.Address) (*engine.Node, bool)
	Link(a, b ir.Address)
	Unlink(a, b ir.Address)
}

// Apply performs one step on w.
func Apply(w World, st TimedStep) error {
	switch st.Kind {
	case StepLink:
		w.Link(st.Pair[0], st.Pair[1])
		return nil
	case StepUnlink:
		w.Unlink(st.Pair[0], st.Pair[1])
		return nil
	}
	n, ok := w.Node(st.Node)
	if !ok {
		return errors.Newf("no node %s", st.Node)
	}
	var accepted bool
	switch st.Kind {
	case StepInject:
		accepted = n.Inject(st.Tuple)
	case StepInsert:
		accepted = n.InsertFact(st.Tuple)
	case StepDelete:
		accepted = n.DeleteFact(st.Tuple)
	default:
		return errors.AssertionFailedf("unknown step kind %d", st.Kind)
	}
	if !accepted {
		return errors.Newf("node %s is stopped", st.Node)
	}
	return nil
}

// BuildTuple types attrs by schema. Every schema attribute must be given
// and no others.
func BuildTuple(schema ir.Schema, attrs map[string]any) (ir.Tuple, error) {
	for name := range attrs {
		if schema.Index(name) < 0 {
			return ir.Tuple{}, errors.Newf("%s has no attribute %q", schema.Name, name)
		}
	}
	out := make([]ir.Attr, len(schema.Attrs))
	for i, def := range schema.Attrs {
		raw, ok := attrs[def.Name]
		if !ok {
			return ir.Tuple{}, errors.Newf("%s.%s is required", schema.Name, def.Name)
		}
		v, err := toValue(def.Type, raw)
		if err != nil {
			return ir.Tuple{}, errors.Wrapf(err, "%s.%s", schema.Name, def.Name)
		}
		out[i] = ir.A(def.Name, v)
	}
	return ir.NewTuple(schema.Name, out...), nil
}

// toValue converts a decoded YAML or CUE value to a value of kind k.
func toValue(k ir.Kind, raw any) (ir.Value, error) {
	switch v := raw.(type) {
	case nil:
		return nil, errors.New("null values are not allowed")
	case string:
		return ir.ParseValue(k, v)
	case bool:
		if k != ir.KindInt32 {
			return nil, errors.Newf("boolean given for %s", k)
		}
		return ir.Bool(v), nil
	case float64:
		if v != float64(int64(v)) {
			return nil, errors.Newf("fractional number %v", v)
		}
		return ir.ParseValue(k, fmt.Sprint(int64(v)))
	case []any:
		if k != ir.KindList {
			return nil, errors.Newf("sequence given for %s", k)
		}
		out := make(ir.List, len(v))
		for i, e := range v {
			ev, err := elementValue(e)
			if err != nil {
				return nil, errors.Wrapf(err, "[%d]", i)
			}
			out[i] = ev
		}
		return out, nil
	default:
		return ir.ParseValue(k, fmt.Sprint(v))
	}
}

// elementValue types a list element: an address when it parses as one,
// otherwise an int32 or a string.
func elementValue(raw any) (ir.Value, error) {
	switch v := raw.(type) {
	case string:
		if a, err := ir.ParseAddress(v); err == nil {
			return a, nil
		}
		return ir.String(v), nil
	case []any:
		return toValue(ir.KindList, v)
	case nil:
		return nil, errors.New("null values are not allowed")
	default:
		return toValue(ir.KindInt32, v)
	}
}
