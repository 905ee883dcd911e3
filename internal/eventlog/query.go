package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/roach88/ndrt/internal/engine"
	"github.com/roach88/ndrt/internal/ir"
)

// Predicate is a condition on the records table.
//
// Sealed: only Equals, In, AtLeast and And implement it.
type Predicate interface {
	predicateNode()
}

// Equals matches rows whose column equals Value.
type Equals struct {
	Field string
	Value any
}

// In matches rows whose column holds one of Values. An empty In matches
// nothing.
type In struct {
	Field  string
	Values []any
}

// AtLeast matches rows whose column is >= Value.
type AtLeast struct {
	Field string
	Value any
}

// And is a conjunction. An empty And matches everything.
type And struct {
	Predicates []Predicate
}

func (Equals) predicateNode()  {}
func (In) predicateNode()      {}
func (AtLeast) predicateNode() {}
func (And) predicateNode()     {}

// columns lists the fields a predicate may name. Field names are
// interpolated into SQL, so nothing outside this set is accepted.
var columns = map[string]bool{
	"id": true, "run_id": true, "node": true, "seq": true, "at": true,
	"kind": true, "event_kind": true, "tag": true, "rule": true,
	"peer": true, "outputs": true, "reason": true,
}

const selectRecords = `SELECT id, run_id, node, seq, at, kind, event_kind, tag, tuple, rule, peer, outputs, reason FROM records`

// Compile turns a predicate into a parameterized SELECT over records.
// Every query orders by id, which is observation order. Values are never
// interpolated.
func Compile(p Predicate, limit int) (string, []any, error) {
	where, params, err := compilePredicate(p)
	if err != nil {
		return "", nil, err
	}
	q := selectRecords + " WHERE " + where + " ORDER BY id ASC"
	if limit > 0 {
		q += " LIMIT ?"
		params = append(params, limit)
	}
	return q, params, nil
}

func compilePredicate(p Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case nil:
		return "1 = 1", nil, nil
	case Equals:
		if err := checkField(pred.Field); err != nil {
			return "", nil, err
		}
		return pred.Field + " = ?", []any{pred.Value}, nil
	case AtLeast:
		if err := checkField(pred.Field); err != nil {
			return "", nil, err
		}
		return pred.Field + " >= ?", []any{pred.Value}, nil
	case In:
		if err := checkField(pred.Field); err != nil {
			return "", nil, err
		}
		if len(pred.Values) == 0 {
			return "1 = 0", nil, nil
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(pred.Values)), ", ")
		return fmt.Sprintf("%s IN (%s)", pred.Field, marks), append([]any(nil), pred.Values...), nil
	case And:
		if len(pred.Predicates) == 0 {
			return "1 = 1", nil, nil
		}
		parts := make([]string, 0, len(pred.Predicates))
		var params []any
		for _, sub := range pred.Predicates {
			s, ps, err := compilePredicate(sub)
			if err != nil {
				return "", nil, err
			}
			if _, nested := sub.(And); nested {
				s = "(" + s + ")"
			}
			parts = append(parts, s)
			params = append(params, ps...)
		}
		return strings.Join(parts, " AND "), params, nil
	default:
		return "", nil, errors.AssertionFailedf("unsupported predicate type %T", p)
	}
}

func checkField(f string) error {
	if !columns[f] {
		return errors.Newf("unknown record field %q", f)
	}
	return nil
}

// Filter selects records. Zero fields match everything.
type Filter struct {
	RunID   string
	Nodes   []ir.Address
	Kinds   []engine.RecordKind
	Tags    []string
	Rule    string
	Reason  engine.RuntimeErrorCode
	FromSeq uint64
	Limit   int
}

// Predicate converts the filter into a predicate tree.
func (f Filter) Predicate() Predicate {
	var and And
	if f.RunID != "" {
		and.Predicates = append(and.Predicates, Equals{Field: "run_id", Value: f.RunID})
	}
	if len(f.Nodes) > 0 {
		vals := make([]any, len(f.Nodes))
		for i, n := range f.Nodes {
			vals[i] = n.String()
		}
		and.Predicates = append(and.Predicates, In{Field: "node", Values: vals})
	}
	if len(f.Kinds) > 0 {
		vals := make([]any, len(f.Kinds))
		for i, k := range f.Kinds {
			vals[i] = k.String()
		}
		and.Predicates = append(and.Predicates, In{Field: "kind", Values: vals})
	}
	if len(f.Tags) > 0 {
		vals := make([]any, len(f.Tags))
		for i, t := range f.Tags {
			vals[i] = t
		}
		and.Predicates = append(and.Predicates, In{Field: "tag", Values: vals})
	}
	if f.Rule != "" {
		and.Predicates = append(and.Predicates, Equals{Field: "rule", Value: f.Rule})
	}
	if f.Reason != "" {
		and.Predicates = append(and.Predicates, Equals{Field: "reason", Value: string(f.Reason)})
	}
	if f.FromSeq > 0 {
		and.Predicates = append(and.Predicates, AtLeast{Field: "seq", Value: int64(f.FromSeq)})
	}
	return and
}

// Entry is one stored record.
type Entry struct {
	ID    int64
	RunID string
	engine.Record
}

// String renders an entry as one trace line.
func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s #%d %-8s", e.At.Format("15:04:05.000"), e.Node, e.Seq, e.Kind)
	switch e.Kind {
	case engine.RecordSend:
		fmt.Fprintf(&b, " %s -> %s", e.Event.Tuple, e.Peer)
	default:
		fmt.Fprintf(&b, " %s %s", e.Event.Kind, e.Event.Tuple)
	}
	if e.Rule != "" {
		fmt.Fprintf(&b, " rule=%s", e.Rule)
	}
	if e.Kind == engine.RecordRule {
		fmt.Fprintf(&b, " outputs=%d", e.Outputs)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " reason=%s", e.Reason)
	}
	return b.String()
}

// Query returns the records matching f in observation order. The result
// is never nil.
func (l *Log) Query(ctx context.Context, f Filter) ([]Entry, error) {
	q, params, err := Compile(f.Predicate(), f.Limit)
	if err != nil {
		return nil, err
	}
	rows, err := l.db.QueryContext(ctx, q, params...)
	if err != nil {
		return nil, errors.Wrap(err, "query records")
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate records")
	}
	return entries, nil
}

// Count returns how many records match f, ignoring its Limit.
func (l *Log) Count(ctx context.Context, f Filter) (int, error) {
	where, params, err := compilePredicate(f.Predicate())
	if err != nil {
		return 0, err
	}
	var n int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE "+where, params...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count records")
	}
	return n, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e                            Entry
		node, at, kind, evKind, peer string
		reason                       string
		seq                          int64
		tuple                        sql.NullString
	)
	err := rows.Scan(&e.ID, &e.RunID, &node, &seq, &at, &kind, &evKind,
		new(string), &tuple, &e.Rule, &peer, &e.Outputs, &reason)
	if err != nil {
		return Entry{}, errors.Wrap(err, "scan record")
	}

	if e.Node, err = ir.ParseAddress(node); err != nil {
		return Entry{}, errors.Wrapf(err, "record %d: node", e.ID)
	}
	e.Seq = uint64(seq)
	if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
		return Entry{}, errors.Wrapf(err, "record %d: at", e.ID)
	}
	var ok bool
	if e.Kind, ok = engine.ParseRecordKind(kind); !ok {
		return Entry{}, errors.Newf("record %d: unknown kind %q", e.ID, kind)
	}
	// Records without an event carry "unknown" here; leave the kind zero.
	e.Event.Kind, _ = ir.ParseEventKind(evKind)
	if tuple.Valid {
		if e.Event.Tuple, err = ir.UnmarshalTuple([]byte(tuple.String)); err != nil {
			return Entry{}, errors.Wrapf(err, "record %d: tuple", e.ID)
		}
	}
	if peer != "" {
		if e.Peer, err = ir.ParseAddress(peer); err != nil {
			return Entry{}, errors.Wrapf(err, "record %d: peer", e.ID)
		}
	}
	e.Reason = engine.RuntimeErrorCode(reason)
	return e, nil
}
