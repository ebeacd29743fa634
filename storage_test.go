package revdb

import (
	"errors"
	"path/filepath"
	"sort"
	"testing"
)

// testStores runs a sub-test against every store backend over a fresh
// location.
func testStores(t *testing.T, run func(t *testing.T, s SnapshotStore)) {
	kinds := []struct {
		name string
		open func(t testing.TB) SnapshotStore
	}{
		{"mem", func(t testing.TB) SnapshotStore { return NewMemStore() }},
		{"bolt", func(t testing.TB) SnapshotStore {
			return openTestBoltStore(t, filepath.Join(t.TempDir(), "revs.db"))
		}},
		{"journal", func(t testing.TB) SnapshotStore {
			return openTestJournalStore(t, t.TempDir(), 0)
		}},
	}
	for _, kind := range kinds {
		t.Run(kind.name, func(t *testing.T) {
			s := kind.open(t)
			t.Cleanup(func() { s.Close() })
			run(t, s)
		})
	}
}

// testPersistentStores runs a sub-test against the durable backends; calling
// open again reopens the same location (close the previous instance first).
func testPersistentStores(t *testing.T, run func(t *testing.T, open func(t testing.TB) SnapshotStore)) {
	t.Run("bolt", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "revs.db")
		run(t, func(t testing.TB) SnapshotStore { return openTestBoltStore(t, path) })
	})
	t.Run("journal", func(t *testing.T) {
		dir := t.TempDir()
		run(t, func(t testing.TB) SnapshotStore { return openTestJournalStore(t, dir, 0) })
	})
}

func openTestBoltStore(t testing.TB, path string) SnapshotStore {
	t.Helper()
	s, err := OpenBoltStore(path, BoltStoreOptions{IsTesting: true})
	if err != nil {
		t.Fatalf("* OpenBoltStore: %v", err)
	}
	return s
}

func openTestJournalStore(t testing.TB, dir string, segSize int64) SnapshotStore {
	t.Helper()
	s, err := OpenJournalStore(dir, JournalStoreOptions{
		NoSync:         true,
		MaxSegmentSize: segSize,
		Logger:         testLogger(t),
	})
	if err != nil {
		t.Fatalf("* OpenJournalStore: %v", err)
	}
	return s
}

func testRevision(db string, seq uint64) *Revision {
	return &Revision{
		DB: db, Seq: seq, Base: seq - 1, Origin: OriginLocal,
		Time: testEpoch.Unix() + int64(seq),
		Op:   &UpdateCellsOp{RowID: "r1", Cells: map[string]Value{"f1": Number(float64(seq))}},
	}
}

func TestStores_appendAndLoad(t *testing.T) {
	testStores(t, func(t *testing.T, s SnapshotStore) {
		deepEqual(t, must(s.TailSeq("main")), uint64(0))
		deepEqual(t, len(must(s.Databases())), 0)

		for seq := uint64(1); seq <= 5; seq++ {
			ensure(s.Append(testRevision("main", seq)))
		}
		ensure(s.Append(testRevision("other", 1)))
		deepEqual(t, must(s.TailSeq("main")), uint64(5))
		deepEqual(t, must(s.TailSeq("other")), uint64(1))

		var seqs []uint64
		ensure(s.Load("main", 1, func(rev *Revision) error {
			seqs = append(seqs, rev.Seq)
			deepEqual(t, rev.DB, "main")
			deepEqual(t, rev.Base, rev.Seq-1)
			op, ok := rev.Op.(*UpdateCellsOp)
			if !ok {
				t.Fatalf("** revision %d decoded to %T", rev.Seq, rev.Op)
			}
			deepEqual(t, op.Cells["f1"], Number(float64(rev.Seq)))
			return nil
		}))
		deepEqual(t, seqs, []uint64{1, 2, 3, 4, 5})

		seqs = nil
		ensure(s.Load("main", 4, func(rev *Revision) error {
			seqs = append(seqs, rev.Seq)
			return nil
		}))
		deepEqual(t, seqs, []uint64{4, 5})

		// an unknown database replays nothing
		ensure(s.Load("ghost", 1, func(rev *Revision) error {
			t.Errorf("** unexpected revision %d", rev.Seq)
			return nil
		}))
		deepEqual(t, must(s.TailSeq("ghost")), uint64(0))

		ids := must(s.Databases())
		sort.Strings(ids)
		deepEqual(t, ids, []string{"main", "other"})

		// appends must stay contiguous
		if err := s.Append(testRevision("main", 9)); err == nil {
			t.Errorf("** out-of-order append succeeded")
		}
		deepEqual(t, must(s.TailSeq("main")), uint64(5))

		// the replay callback error stops the replay and propagates
		bang := errors.New("bang")
		wantErr(t, s.Load("main", 1, func(*Revision) error { return bang }), bang)
	})
}

func TestStores_snapshotsAndCompaction(t *testing.T) {
	testStores(t, func(t *testing.T, s SnapshotStore) {
		seq, data, err := s.LoadSnapshot("main")
		ensure(err)
		if seq != 0 || data != nil {
			t.Fatalf("** got snapshot (%d, %q) from an empty store", seq, data)
		}

		for seq := uint64(1); seq <= 4; seq++ {
			ensure(s.Append(testRevision("main", seq)))
		}
		ensure(s.PutSnapshot("main", 3, []byte("snap a")))
		seq, data, err = s.LoadSnapshot("main")
		ensure(err)
		deepEqual(t, seq, uint64(3))
		deepEqual(t, string(data), "snap a")

		// a later snapshot replaces the earlier one
		ensure(s.PutSnapshot("main", 4, []byte("snap b")))
		seq, data, err = s.LoadSnapshot("main")
		ensure(err)
		deepEqual(t, seq, uint64(4))
		deepEqual(t, string(data), "snap b")

		// compaction drops the covered prefix but never the tail position
		ensure(s.CompactLog("main", 4))
		deepEqual(t, must(s.TailSeq("main")), uint64(4))
		ensure(s.Load("main", 5, func(rev *Revision) error {
			t.Errorf("** unexpected revision %d past the snapshot", rev.Seq)
			return nil
		}))

		ensure(s.Append(testRevision("main", 5)))
		deepEqual(t, must(s.TailSeq("main")), uint64(5))

		var seqs []uint64
		ensure(s.Load("main", 5, func(rev *Revision) error {
			seqs = append(seqs, rev.Seq)
			return nil
		}))
		deepEqual(t, seqs, []uint64{5})
	})
}

func TestJournalStore_segments(t *testing.T) {
	dir := t.TempDir()

	// tiny segments force a rotation on almost every append
	s := openTestJournalStore(t, dir, 128)
	for seq := uint64(1); seq <= 10; seq++ {
		ensure(s.Append(testRevision("main", seq)))
	}
	before := countFiles(t, filepath.Join(dir, "main"), "revs-*.wal")
	if before < 3 {
		t.Fatalf("** tiny segments did not rotate: %d files", before)
	}

	ensure(s.PutSnapshot("main", 8, []byte("snap")))
	ensure(s.CompactLog("main", 8))
	after := countFiles(t, filepath.Join(dir, "main"), "revs-*.wal")
	if after >= before {
		t.Errorf("** compaction removed no segments: %d -> %d", before, after)
	}
	ensure(s.Close())

	// the tail, the snapshot and the uncompacted suffix survive a reopen
	s = openTestJournalStore(t, dir, 128)
	t.Cleanup(func() { s.Close() })
	deepEqual(t, must(s.TailSeq("main")), uint64(10))
	seq, data, err := s.LoadSnapshot("main")
	ensure(err)
	deepEqual(t, seq, uint64(8))
	deepEqual(t, string(data), "snap")

	var seqs []uint64
	ensure(s.Load("main", 9, func(rev *Revision) error {
		seqs = append(seqs, rev.Seq)
		return nil
	}))
	deepEqual(t, seqs, []uint64{9, 10})

	ensure(s.Append(testRevision("main", 11)))
	deepEqual(t, must(s.TailSeq("main")), uint64(11))
}

func countFiles(t testing.TB, dir, pattern string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		t.Fatalf("* glob: %v", err)
	}
	return len(matches)
}

func TestEngine_reopenReplaysLog(t *testing.T) {
	testPersistentStores(t, func(t *testing.T, open func(t testing.TB) SnapshotStore) {
		eng := setupEngine(t, open(t), Options{})
		db := openTestDB(t, eng, "main")
		title := addField(t, db, "Title", FieldTypeText)
		pts := addField(t, db, "Points", FieldTypeNumber)
		r1 := addRow(t, db, map[string]Value{title.ID: Text("a"), pts.ID: Number(2)})
		r2 := addRow(t, db, map[string]Value{title.ID: Text("b"), pts.ID: Number(1)})
		must(db.MoveRow(r2.ID, ""))
		vid := must(db.ConfigureView(&ViewConfig{
			Name: "By points", Kind: ViewGrid, Sorts: []Sort{{Field: pts.ID}},
		})).View().ID
		tail := db.TailSeq()
		order := rowOrder(db)
		ensure(eng.Close())

		eng2 := setupEngine(t, open(t), Options{GenerateID: sequentialIDs("n")})
		db2 := openTestDB(t, eng2, "main")
		deepEqual(t, db2.TailSeq(), tail)
		deepEqual(t, db2.FloorSeq(), uint64(0))
		deepEqual(t, rowOrder(db2), order)
		deepEqual(t, fieldNames(db2), []string{"Title", "Points"})
		deepEqual(t, cellOf(t, db2, r1.ID, title.ID), Text("a"))

		// projections are rebuilt synchronously during open
		proj := projectionOf(t, db2, vid)
		deepEqual(t, proj.Stale, false)
		deepEqual(t, proj.Seq, tail)
		deepEqual(t, proj.RowIDs, []string{r2.ID, r1.ID})

		// undo history does not survive a restart
		_, err := db2.Undo()
		wantErr(t, err, ErrNoUndo)

		// and the log keeps going
		must(db2.UpdateRowCells(r1.ID, map[string]Value{pts.ID: Number(0)}))
		deepEqual(t, db2.TailSeq(), tail+1)
		deepEqual(t, projectionOf(t, db2, vid).RowIDs, []string{r1.ID, r2.ID})
	})
}

func TestEngine_reopenFromSnapshot(t *testing.T) {
	testPersistentStores(t, func(t *testing.T, open func(t testing.TB) SnapshotStore) {
		eng := setupEngine(t, open(t), Options{})
		db := openTestDB(t, eng, "main")
		f := addField(t, db, "Title", FieldTypeText)
		r1 := addRow(t, db, map[string]Value{f.ID: Text("live")})
		r2 := addRow(t, db, map[string]Value{f.ID: Text("doomed")})
		must(db.DeleteRow(r2.ID))
		vid := must(db.ConfigureView(&ViewConfig{Name: "All", Kind: ViewGrid})).View().ID

		floor := must(db.Compact())
		deepEqual(t, floor, db.TailSeq())
		must(db.UpdateRowCells(r1.ID, map[string]Value{f.ID: Text("after")}))
		tail := db.TailSeq()
		ensure(eng.Close())

		eng2 := setupEngine(t, open(t), Options{GenerateID: sequentialIDs("n")})
		db2 := openTestDB(t, eng2, "main")
		deepEqual(t, db2.TailSeq(), tail)
		deepEqual(t, db2.FloorSeq(), floor)
		deepEqual(t, rowOrder(db2), []string{r1.ID})
		deepEqual(t, cellOf(t, db2, r1.ID, f.ID), Text("after"))
		deepEqual(t, projectionOf(t, db2, vid).RowIDs, []string{r1.ID})

		// merges against compacted bases are permanently gone
		_, err := db2.Append(&UpdateCellsOp{RowID: r1.ID, Cells: map[string]Value{f.ID: Text("x")}}, floor-1)
		wantErr(t, err, ErrSuperseded)

		// tombstones survive snapshotting: the deleted row stays dead
		_, err = db2.Append(&UpdateCellsOp{RowID: r2.ID, Cells: map[string]Value{f.ID: Text("x")}}, floor)
		wantErr(t, err, ErrSuperseded)

		// fresh commits merge fine against the floor
		must(db2.Append(&UpdateCellsOp{RowID: r1.ID, Cells: map[string]Value{f.ID: Text("y")}}, floor))
		deepEqual(t, cellOf(t, db2, r1.ID, f.ID), Text("y"))
	})
}

func TestDatabase_saveSnapshotKeepsLog(t *testing.T) {
	db := setup(t)
	f := addField(t, db, "Title", FieldTypeText)
	r := addRow(t, db, map[string]Value{f.ID: Text("a")})
	must(db.UpdateRowCells(r.ID, map[string]Value{f.ID: Text("b")}))

	seq := must(db.SaveSnapshot())
	deepEqual(t, seq, db.TailSeq())
	deepEqual(t, db.FloorSeq(), uint64(0))

	// the full log is still there and old bases still merge
	var n int
	ensure(db.Revisions(1, func(*Revision) error { n++; return nil }))
	deepEqual(t, n, 3)
	must(db.Append(&UpdateCellsOp{RowID: r.ID, Cells: map[string]Value{f.ID: Text("c")}}, 2))
	deepEqual(t, cellOf(t, db, r.ID, f.ID), Text("c"))
}

// logOnlyStore hides the snapshot methods of an underlying store.
type logOnlyStore struct {
	s SnapshotStore
}

func (l logOnlyStore) Append(rev *Revision) error { return l.s.Append(rev) }
func (l logOnlyStore) Load(db string, fromSeq uint64, fn func(rev *Revision) error) error {
	return l.s.Load(db, fromSeq, fn)
}
func (l logOnlyStore) TailSeq(db string) (uint64, error) { return l.s.TailSeq(db) }
func (l logOnlyStore) Databases() ([]string, error)      { return l.s.Databases() }
func (l logOnlyStore) Close() error                      { return l.s.Close() }

func TestDatabase_snapshotsNeedSnapshotStore(t *testing.T) {
	eng := setupEngine(t, logOnlyStore{NewMemStore()}, Options{})
	db := openTestDB(t, eng, "main")
	addRow(t, db, nil)

	_, err := db.SaveSnapshot()
	wantErr(t, err, errors.ErrUnsupported)
	_, err = db.Compact()
	wantErr(t, err, errors.ErrUnsupported)
}
