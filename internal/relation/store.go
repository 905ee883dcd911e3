package relation

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"github.com/roach88/ndrt/internal/ir"
)

// ErrUnknownRelation is returned for operations on an unregistered relation.
var ErrUnknownRelation = errors.New("unknown relation")

// ErrSchemaMismatch is returned when a tuple does not fit its relation.
var ErrSchemaMismatch = ir.ErrSchemaMismatch

// btreeDegree matches the degree used for small in-memory indexes.
const btreeDegree = 8

// Sink receives the insert and delete events caused by store mutations.
type Sink func(ir.Event)

// Option configures a Store.
type Option func(*Store)

// WithSink installs the event sink. Without one, events are discarded.
func WithSink(s Sink) Option {
	return func(st *Store) {
		st.sink = s
	}
}

// WithClock sets the time source used to stamp inserts and filter lookups.
func WithClock(now func() time.Time) Option {
	return func(st *Store) {
		st.now = now
	}
}

// Store is a set of keyed relations with optional retention.
type Store struct {
	tables map[string]*table
	order  []string // registration order, for deterministic sweeps
	sink   Sink
	now    func() time.Time
}

type table struct {
	schema ir.Schema
	rows   *btree.BTree // *row ordered by key
	expiry *btree.BTree // deadline ordered by (at, key); nil without retention
}

type row struct {
	key      string
	tuple    ir.Tuple
	deadline time.Time
}

func (r *row) Less(than btree.Item) bool {
	return r.key < than.(*row).key
}

type deadline struct {
	at  time.Time
	key string
}

func (d deadline) Less(than btree.Item) bool {
	o := than.(deadline)
	if !d.at.Equal(o.at) {
		return d.at.Before(o.at)
	}
	return d.key < o.key
}

// New creates a store with one empty relation per schema.
// Schemas are validated; duplicate relation names are rejected.
func New(schemas []ir.Schema, opts ...Option) (*Store, error) {
	s := &Store{
		tables: make(map[string]*table, len(schemas)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, sc := range schemas {
		if err := sc.Validate(); err != nil {
			return nil, errors.Wrap(err, "register relation")
		}
		if _, dup := s.tables[sc.Name]; dup {
			return nil, errors.Newf("relation %s registered twice", sc.Name)
		}
		t := &table{schema: sc, rows: btree.New(btreeDegree)}
		if sc.Retention > 0 {
			t.expiry = btree.New(btreeDegree)
		}
		s.tables[sc.Name] = t
		s.order = append(s.order, sc.Name)
	}
	return s, nil
}

func (s *Store) table(name string) (*table, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownRelation, "%q", name)
	}
	return t, nil
}

func (s *Store) emit(ev ir.Event) {
	if s.sink != nil {
		s.sink(ev)
	}
}

// Has reports whether a relation with the given name is registered.
func (s *Store) Has(name string) bool {
	_, ok := s.tables[name]
	return ok
}

// Schema returns the schema of a registered relation.
func (s *Store) Schema(name string) (ir.Schema, bool) {
	t, ok := s.tables[name]
	if !ok {
		return ir.Schema{}, false
	}
	return t.schema, true
}

// Relations returns the relation names in registration order.
func (s *Store) Relations() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Insert upserts t into the relation named by its tag.
//
// The tuple is checked against the schema and renamed to the schema's
// attribute names. Inserting a tuple identical to the resident one only
// refreshes its retention stamp and reports changed=false. Replacing a
// different tuple with the same key, or adding a new key, reports
// changed=true and emits an insert event.
func (s *Store) Insert(t ir.Tuple) (bool, error) {
	tbl, err := s.table(t.Tag)
	if err != nil {
		return false, err
	}
	conformed, err := tbl.schema.Conform(t)
	if err != nil {
		return false, err
	}
	key, err := tbl.schema.KeyOf(conformed)
	if err != nil {
		return false, err
	}

	now := s.now()
	if item := tbl.rows.Get(&row{key: key}); item != nil {
		prev := item.(*row)
		if tbl.expired(prev, now) {
			// Evict the stale row first so its delete is still observed.
			tbl.remove(prev)
			s.emit(ir.Deleted(prev.tuple))
		} else if prev.tuple.Equal(conformed) {
			tbl.restamp(prev, now)
			return false, nil
		}
	}

	r := &row{key: key, tuple: conformed}
	tbl.put(r, now)
	s.emit(ir.Inserted(conformed))
	return true, nil
}

// Delete removes the resident tuple whose key matches t's key projection.
// Deleting an absent key is a no-op and reports false.
func (s *Store) Delete(t ir.Tuple) (bool, error) {
	tbl, err := s.table(t.Tag)
	if err != nil {
		return false, err
	}
	conformed, err := tbl.schema.Conform(t)
	if err != nil {
		return false, err
	}
	key, err := tbl.schema.KeyOf(conformed)
	if err != nil {
		return false, err
	}
	return s.deleteKey(tbl, key), nil
}

// DeleteKey removes the tuple with the given key values, listed in the
// order of the schema's key attributes.
func (s *Store) DeleteKey(name string, key ...ir.Value) (bool, error) {
	tbl, err := s.table(name)
	if err != nil {
		return false, err
	}
	idx := tbl.schema.KeyIndices()
	if len(key) != len(idx) {
		return false, errors.Wrapf(ErrSchemaMismatch, "%s: key has %d attributes, got %d", name, len(idx), len(key))
	}
	for i, pos := range idx {
		if want := tbl.schema.Attrs[pos].Type; key[i] == nil || key[i].Kind() != want {
			return false, errors.Wrapf(ErrSchemaMismatch, "%s: key attribute %s must be %s", name, tbl.schema.Attrs[pos].Name, want)
		}
	}
	enc, err := ir.MarshalCanonicalValue(ir.List(key))
	if err != nil {
		return false, err
	}
	return s.deleteKey(tbl, string(enc)), nil
}

func (s *Store) deleteKey(tbl *table, key string) bool {
	item := tbl.rows.Get(&row{key: key})
	if item == nil {
		return false
	}
	r := item.(*row)
	tbl.remove(r)
	s.emit(ir.Deleted(r.tuple))
	return true
}

// Lookup returns the live tuples of a relation that satisfy pred, in key
// order. A nil pred matches every tuple. Tuples past their retention
// window are never returned, even before Sweep evicts them.
func (s *Store) Lookup(name string, pred func(ir.Tuple) bool) ([]ir.Tuple, error) {
	tbl, err := s.table(name)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []ir.Tuple
	tbl.rows.Ascend(func(i btree.Item) bool {
		r := i.(*row)
		if tbl.expired(r, now) {
			return true
		}
		if pred == nil || pred(r.tuple) {
			out = append(out, r.tuple)
		}
		return true
	})
	return out, nil
}

// Len returns the number of live tuples in a relation.
func (s *Store) Len(name string) int {
	tuples, err := s.Lookup(name, nil)
	if err != nil {
		return 0
	}
	return len(tuples)
}

// Sweep evicts every tuple whose retention window has elapsed at now and
// emits one delete event per eviction. Relations are swept in registration
// order, tuples in deadline order. Returns the number of evictions.
func (s *Store) Sweep(now time.Time) int {
	evicted := 0
	for _, name := range s.order {
		tbl := s.tables[name]
		if tbl.expiry == nil {
			continue
		}
		for {
			first := tbl.expiry.Min()
			if first == nil {
				break
			}
			d := first.(deadline)
			if d.at.After(now) {
				break
			}
			item := tbl.rows.Get(&row{key: d.key})
			if item == nil {
				// Index out of sync; drop the orphan entry.
				tbl.expiry.Delete(d)
				continue
			}
			r := item.(*row)
			tbl.remove(r)
			s.emit(ir.Deleted(r.tuple))
			evicted++
		}
	}
	return evicted
}

// NextExpiry returns the earliest pending retention deadline.
func (s *Store) NextExpiry() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for _, name := range s.order {
		tbl := s.tables[name]
		if tbl.expiry == nil {
			continue
		}
		if first := tbl.expiry.Min(); first != nil {
			at := first.(deadline).at
			if !found || at.Before(next) {
				next, found = at, true
			}
		}
	}
	return next, found
}

func (t *table) expired(r *row, now time.Time) bool {
	return t.expiry != nil && !now.Before(r.deadline)
}

func (t *table) put(r *row, now time.Time) {
	if old := t.rows.ReplaceOrInsert(r); old != nil && t.expiry != nil {
		o := old.(*row)
		t.expiry.Delete(deadline{at: o.deadline, key: o.key})
	}
	if t.expiry != nil {
		r.deadline = now.Add(t.schema.Retention)
		t.expiry.ReplaceOrInsert(deadline{at: r.deadline, key: r.key})
	}
}

func (t *table) restamp(r *row, now time.Time) {
	if t.expiry == nil {
		return
	}
	t.expiry.Delete(deadline{at: r.deadline, key: r.key})
	r.deadline = now.Add(t.schema.Retention)
	t.expiry.ReplaceOrInsert(deadline{at: r.deadline, key: r.key})
}

func (t *table) remove(r *row) {
	t.rows.Delete(r)
	if t.expiry != nil {
		t.expiry.Delete(deadline{at: r.deadline, key: r.key})
	}
}
