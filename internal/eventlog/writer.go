package eventlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/roach88/ndrt/internal/engine"
	"github.com/roach88/ndrt/internal/ir"
)

// DefaultBatchSize is how many records a Writer buffers before writing.
const DefaultBatchSize = 256

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithBatchSize sets the flush threshold. Values below 1 mean 1.
func WithBatchSize(n int) WriterOption {
	return func(w *Writer) {
		if n < 1 {
			n = 1
		}
		w.batch = n
	}
}

// WithLogger sets the logger write failures are reported to.
func WithLogger(l *slog.Logger) WriterOption {
	return func(w *Writer) {
		w.logger = l
	}
}

// Writer appends execution records of one run to a Log. It implements
// engine.Observer and is safe to share between nodes running on separate
// goroutines.
//
// Observe never fails: a batch that cannot be written is logged and
// discarded so tracing problems never stop a simulation. Call Flush (or
// Close) when the run ends to write the final partial batch.
type Writer struct {
	log    *Log
	runID  string
	batch  int
	logger *slog.Logger

	mu      sync.Mutex
	pending []engine.Record
	written int
	failed  int
}

// NewWriter creates a Writer for the given run.
func (l *Log) NewWriter(runID string, opts ...WriterOption) *Writer {
	w := &Writer{
		log:    l,
		runID:  runID,
		batch:  DefaultBatchSize,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunID returns the run this writer appends to.
func (w *Writer) RunID() string { return w.runID }

// Observe implements engine.Observer.
func (w *Writer) Observe(r engine.Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, r)
	if len(w.pending) < w.batch {
		return
	}
	if err := w.flushLocked(context.Background()); err != nil {
		w.logger.Warn("event log write failed", "run", w.runID, "error", err)
	}
}

// Flush writes buffered records.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

// Stats returns how many records were written and how many were lost to
// write errors.
func (w *Writer) Stats() (written, failed int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written, w.failed
}

func (w *Writer) flushLocked(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	batch := w.pending
	w.pending = nil
	if err := w.write(ctx, batch); err != nil {
		w.failed += len(batch)
		return err
	}
	w.written += len(batch)
	return nil
}

func (w *Writer) write(ctx context.Context, batch []engine.Record) error {
	tx, err := w.log.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "write records: begin tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records
		(run_id, node, seq, at, kind, event_kind, tag, tuple, rule, peer, outputs, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return errors.Wrap(err, "write records: prepare")
	}
	defer stmt.Close()

	for _, r := range batch {
		var tuple any
		if r.Event.Tuple.Tag != "" {
			data, err := ir.MarshalCanonical(r.Event.Tuple)
			if err != nil {
				return errors.Wrapf(err, "write records: encode %s", r.Event.Tuple.Tag)
			}
			tuple = string(data)
		}
		var peer string
		if r.Kind == engine.RecordSend {
			peer = r.Peer.String()
		}
		_, err := stmt.ExecContext(ctx,
			w.runID,
			r.Node.String(),
			int64(r.Seq),
			r.At.UTC().Format(time.RFC3339Nano),
			r.Kind.String(),
			r.Event.Kind.String(),
			r.Event.Tuple.Tag,
			tuple,
			r.Rule,
			peer,
			r.Outputs,
			string(r.Reason),
		)
		if err != nil {
			return errors.Wrap(err, "write records: insert")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "write records: commit")
	}
	return nil
}

// Close flushes any buffered records.
func (w *Writer) Close() error {
	return w.Flush(context.Background())
}
