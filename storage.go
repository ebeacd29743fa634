package revdb

// LogStore persists the append-only revision logs of every database the
// engine serves. Append must be durable before it returns; the engine only
// mutates in-memory state after the revision is safely down. Implementations
// must be safe for concurrent use.
type LogStore interface {
	// Append persists one revision. rev.Seq must be exactly one past the
	// store's current tail for that database.
	Append(rev *Revision) error

	// Load replays persisted revisions of one database in sequence order,
	// starting at fromSeq, until fn returns an error or the log ends.
	Load(db string, fromSeq uint64, fn func(rev *Revision) error) error

	// TailSeq returns the highest persisted sequence number of a database,
	// or 0 when the database has no revisions.
	TailSeq(db string) (uint64, error)

	// Databases lists the ids of all databases present in the store.
	Databases() ([]string, error)

	Close() error
}

// SnapshotStore is implemented by log stores that can additionally persist
// materialized state snapshots and drop the log prefix a snapshot covers.
type SnapshotStore interface {
	LogStore

	// PutSnapshot stores the state snapshot as of seq, replacing any
	// earlier snapshot of the database.
	PutSnapshot(db string, seq uint64, data []byte) error

	// LoadSnapshot returns the latest snapshot, or (0, nil, nil) when the
	// database has none.
	LoadSnapshot(db string) (seq uint64, data []byte, err error)

	// CompactLog removes persisted revisions with seq <= below. Callers
	// must have stored a snapshot at or past below first.
	CompactLog(db string, below uint64) error
}
