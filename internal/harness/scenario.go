package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Scenario describes one simulated run: which protocol every node runs,
// the topology, facts and injected events over time, and what must hold
// at the end.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name" json:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Protocol names the rule table every node runs (see Protocols).
	Protocol string `yaml:"protocol" json:"protocol"`

	// Seed drives node randomness and network loss.
	Seed int64 `yaml:"seed,omitempty" json:"seed,omitempty"`

	// Latency is the one-way delivery delay, e.g. "10ms".
	Latency string `yaml:"latency,omitempty" json:"latency,omitempty"`

	// Loss is the probability in [0, 1] that a delivery is dropped.
	Loss float64 `yaml:"loss,omitempty" json:"loss,omitempty"`

	// MaxSteps bounds the work one event may cause on a node.
	MaxSteps int `yaml:"max_steps,omitempty" json:"max_steps,omitempty"`

	// Duration is how long to simulate, e.g. "30s".
	Duration string `yaml:"duration" json:"duration"`

	// Nodes lists node addresses in dotted form.
	Nodes []string `yaml:"nodes" json:"nodes"`

	// Links are the initial undirected links, each a pair of addresses.
	Links [][]string `yaml:"links,omitempty" json:"links,omitempty"`

	// Facts are inserted into relations before the nodes start.
	Facts []TupleSpec `yaml:"facts,omitempty" json:"facts,omitempty"`

	// Steps change the world at given offsets from the start.
	Steps []Step `yaml:"steps,omitempty" json:"steps,omitempty"`

	// Expect is checked once the run ends.
	Expect []Expectation `yaml:"expect,omitempty" json:"expect,omitempty"`
}

// TupleSpec names a tuple by tag and attribute values at one node.
// Values are given in their textual form (addresses dotted, lists as
// sequences) and typed by the tag's schema.
type TupleSpec struct {
	Node  string         `yaml:"node" json:"node"`
	Tag   string         `yaml:"tag" json:"tag"`
	Attrs map[string]any `yaml:"attrs,omitempty" json:"attrs,omitempty"`
}

// Step is one timed change. Exactly one of its actions is set.
type Step struct {
	At     string     `yaml:"at" json:"at"`
	Inject *TupleSpec `yaml:"inject,omitempty" json:"inject,omitempty"`
	Insert *TupleSpec `yaml:"insert,omitempty" json:"insert,omitempty"`
	Delete *TupleSpec `yaml:"delete,omitempty" json:"delete,omitempty"`
	Link   []string   `yaml:"link,omitempty" json:"link,omitempty"`
	Unlink []string   `yaml:"unlink,omitempty" json:"unlink,omitempty"`
}

// Expectation is a check on the final state or the trace.
type Expectation struct {
	// Type is one of the Expect* constants.
	Type string `yaml:"type" json:"type"`

	// Node restricts the check to one node; empty means all nodes.
	Node string `yaml:"node,omitempty" json:"node,omitempty"`

	// Relation is the relation inspected by contains, absent and count.
	Relation string `yaml:"relation,omitempty" json:"relation,omitempty"`

	// Event is the tag counted by received.
	Event string `yaml:"event,omitempty" json:"event,omitempty"`

	// Where selects tuples by attribute value (subset match).
	Where map[string]any `yaml:"where,omitempty" json:"where,omitempty"`

	// Count is the exact number expected by count and received.
	Count *int `yaml:"count,omitempty" json:"count,omitempty"`
}

// Expectation types.
const (
	// ExpectContains: some tuple of Relation matches Where.
	ExpectContains = "contains"
	// ExpectAbsent: no tuple of Relation matches Where.
	ExpectAbsent = "absent"
	// ExpectCount: exactly Count tuples of Relation match Where.
	ExpectCount = "count"
	// ExpectReceived: Event was received Count times (at least once when
	// Count is omitted).
	ExpectReceived = "received"
)

// LoadScenario reads a scenario from a .yaml, .yml or .cue file.
// YAML is decoded strictly: unknown fields are errors. CUE files are
// unified with the embedded scenario schema first.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read scenario file")
	}

	var s *Scenario
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		s, err = ParseYAML(data)
	case ".cue":
		s, err = ParseCUE(data, path)
	default:
		return nil, errors.Newf("scenario %s: unsupported extension (want .yaml, .yml or .cue)", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "scenario %s", path)
	}
	return s, nil
}

// ParseYAML decodes and validates a YAML scenario.
func ParseYAML(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, errors.Wrap(err, "parse YAML")
	}
	if err := validateScenario(&s); err != nil {
		return nil, errors.Wrap(err, "invalid scenario")
	}
	return &s, nil
}

// validateScenario checks what the decoders cannot: required fields,
// durations and the shape of every step and expectation. Addresses and
// tuple values are checked later against the protocol's schemas.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if _, ok := Protocols[s.Protocol]; !ok {
		return errors.Newf("unknown protocol %q (known: %s)", s.Protocol, strings.Join(ProtocolNames(), ", "))
	}
	if _, err := parseDuration("duration", s.Duration, true); err != nil {
		return err
	}
	if _, err := parseDuration("latency", s.Latency, false); err != nil {
		return err
	}
	if s.Loss < 0 || s.Loss > 1 {
		return errors.Newf("loss %v must be within [0, 1]", s.Loss)
	}
	if s.MaxSteps < 0 {
		return errors.Newf("max_steps %d must not be negative", s.MaxSteps)
	}
	if len(s.Nodes) == 0 {
		return errors.New("nodes list is required and must be non-empty")
	}
	for i, l := range s.Links {
		if len(l) != 2 {
			return errors.Newf("links[%d]: want a pair of addresses, got %d", i, len(l))
		}
	}
	for i, f := range s.Facts {
		if f.Node == "" || f.Tag == "" {
			return errors.Newf("facts[%d]: node and tag are required", i)
		}
	}
	for i, st := range s.Steps {
		if err := validateStep(st); err != nil {
			return errors.Wrapf(err, "steps[%d]", i)
		}
	}
	for i, e := range s.Expect {
		if err := validateExpectation(e); err != nil {
			return errors.Wrapf(err, "expect[%d]", i)
		}
	}
	return nil
}

func validateStep(st Step) error {
	if _, err := parseDuration("at", st.At, true); err != nil {
		return err
	}
	set := 0
	for _, ts := range []*TupleSpec{st.Inject, st.Insert, st.Delete} {
		if ts == nil {
			continue
		}
		set++
		if ts.Node == "" || ts.Tag == "" {
			return errors.New("node and tag are required")
		}
	}
	for _, pair := range [][]string{st.Link, st.Unlink} {
		if pair == nil {
			continue
		}
		set++
		if len(pair) != 2 {
			return errors.Newf("want a pair of addresses, got %d", len(pair))
		}
	}
	if set != 1 {
		return errors.Newf("exactly one of inject, insert, delete, link or unlink is required, got %d", set)
	}
	return nil
}

func validateExpectation(e Expectation) error {
	switch e.Type {
	case ExpectContains, ExpectAbsent:
		if e.Relation == "" {
			return errors.Newf("relation is required for %s", e.Type)
		}
	case ExpectCount:
		if e.Relation == "" {
			return errors.New("relation is required for count")
		}
		if e.Count == nil || *e.Count < 0 {
			return errors.New("a non-negative count is required for count")
		}
	case ExpectReceived:
		if e.Event == "" {
			return errors.New("event is required for received")
		}
		if e.Count != nil && *e.Count < 0 {
			return errors.New("count must be non-negative for received")
		}
	case "":
		return errors.New("type is required")
	default:
		return errors.Newf("unknown expectation type %q", e.Type)
	}
	return nil
}

func parseDuration(field, s string, required bool) (time.Duration, error) {
	if s == "" {
		if required {
			return 0, errors.Newf("%s is required", field)
		}
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", field)
	}
	if d < 0 {
		return 0, errors.Newf("%s %s must not be negative", field, s)
	}
	return d, nil
}

// String summarizes the scenario for logs.
func (s *Scenario) String() string {
	return fmt.Sprintf("%s (%s, %d nodes, %s)", s.Name, s.Protocol, len(s.Nodes), s.Duration)
}
