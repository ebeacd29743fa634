package revdb

import (
	"fmt"
	"io"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// DatabaseStats is a point-in-time summary of one open database.
type DatabaseStats struct {
	DB        string
	TailSeq   uint64
	FloorSeq  uint64
	Fields    int
	Rows      int
	Views     int
	UndoDepth int
	RedoDepth int

	// CachedRevisions is the number of revisions held in memory for merge
	// rebasing; Compact resets it.
	CachedRevisions int
}

// Stats snapshots the database's counters under a read lock.
func (db *Database) Stats() DatabaseStats {
	db.mu.RLock()
	defer db.mu.RUnlock()
	undo, redo := db.undo.depths()
	return DatabaseStats{
		DB:              db.id,
		TailSeq:         db.tail,
		FloorSeq:        db.floor,
		Fields:          len(db.store.schema.fields),
		Rows:            len(db.store.order),
		Views:           len(db.store.views),
		UndoDepth:       undo,
		RedoDepth:       redo,
		CachedRevisions: len(db.revs),
	}
}

// Stats summarizes every currently open database.
func (eng *Engine) Stats() []DatabaseStats {
	var all []DatabaseStats
	eng.dbs.Range(func(_ string, db *Database) bool {
		all = append(all, db.Stats())
		return true
	})
	return all
}

// WriteMetrics dumps all engine metrics in Prometheus text format.
func (eng *Engine) WriteMetrics(w io.Writer) {
	metrics.WritePrometheus(w, true)
}

func (eng *Engine) noteCommit(db string, rev *Revision, delta *Delta, took time.Duration) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`revdb_commits_total{db=%q,origin=%q}`, db, rev.Origin)).Inc()
	metrics.GetOrCreateSummary(fmt.Sprintf(`revdb_commit_seconds{db=%q}`, db)).Update(took.Seconds())
	if n := len(delta.Superseded); n > 0 {
		metrics.GetOrCreateCounter(fmt.Sprintf(`revdb_supersessions_total{db=%q}`, db)).Add(n)
	}
	if n := len(delta.Coercions); n > 0 {
		metrics.GetOrCreateCounter(fmt.Sprintf(`revdb_coercion_losses_total{db=%q}`, db)).Add(n)
	}
	if eng.verbose {
		eng.logger.Debug("revision committed",
			"db", db, "seq", rev.Seq, "base", rev.Base,
			"op", rev.Op.OpKind(), "origin", rev.Origin,
			"superseded", len(delta.Superseded), "coercions", len(delta.Coercions),
			"took", took)
	}
}

func (eng *Engine) noteRecompute(db, viewID string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`revdb_view_recomputes_total{db=%q}`, db)).Inc()
	if eng.verbose {
		eng.logger.Debug("view recomputed", "db", db, "view", viewID)
	}
}
