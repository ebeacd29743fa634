/*
Package revdb implements a revision-tracked structured data engine: typed
fields, ordered rows and saved views, all derived from an append-only log of
revisions.

We implement:

1. Databases, each an independent revision log plus the grid state the log
produces. Databases are isolated; a revision never touches two of them.

2. Fields, typed columns (text, number, date, select, multi-select, checkbox,
URL) with per-type validation and total, lossy-when-needed coercion between
types.

3. Rows, ordered by fractional position strings, holding at most one value
per field.

4. Views, saved filter/sort/group configurations whose projections are
maintained incrementally as revisions commit and recomputed in the background
after reconfiguration.

5. Optimistic concurrency. Every commit names the revision it was built
against; the engine rebases the operation over whatever landed in between,
records supersessions where a concurrent winner took precedence, and refuses
with a superseded error when the intent no longer applies at all.

6. Undo and redo of local commits, implemented as ordinary commits of
recorded inverse operations, so concurrent edits survive an undo.

# Technical Details

**Commit pipeline.**
An operation enters at a base sequence number, is transformed over the
revisions from base to tail, validated against current state, appended to the
log (the log write is the durability point), applied to in-memory state, and
folded into every view projection. Notifications go out after the write lock
is released.

**Positions.**
Row order is defined by position tokens: base-62 strings ordered
lexicographically, with no trailing minimum digit, so a new token fits
between any two others. Ties (which only concurrent inserts can produce)
break by row id; a renormalize operation reissues evenly spaced tokens when
they grow long.

**Deletion.**
Field, row and view ids are never reused. Deleting a field keeps its cells
inside rows (invisible to reads and views) so undoing the deletion restores
the column losslessly; deleting a row or view leaves a tombstone id so a
concurrent edit of it fails as superseded rather than not-found.

**Storage.**
The engine talks to a LogStore: an append-only revision log per database,
with optional snapshots for fast opening and log compaction. Three
implementations ship: a bbolt file (the default), a directory of
self-checksummed journal segments, and an in-memory store for tests.
Revisions and snapshots are encoded with msgpack.
*/
package revdb
