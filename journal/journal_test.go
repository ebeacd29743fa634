package journal_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/andreyvit/revdb/journal"
	"github.com/andreyvit/revdb/journal/journaltest"
)

func TestJournal_empty(t *testing.T) {
	j := journaltest.Open(t, journal.Options{})
	if j.FirstSeq() != 0 || j.LastSeq() != 0 {
		t.Errorf("FirstSeq/LastSeq = %d/%d, wanted 0/0", j.FirstSeq(), j.LastSeq())
	}
	deepEq(t, j.Records(1), []string(nil))
	deepEq(t, j.FileNames(), []string(nil))
}

func TestJournal_roundtrip(t *testing.T) {
	j := journaltest.Open(t, journal.Options{})
	j.MustAppend(1, "alpha")
	j.MustAppend(2, "beta")
	j.Advance(1000 * time.Second)
	j.MustAppend(3, "gamma")
	ensure(j.Sync())

	deepEq(t, j.FileNames(), []string{"j0000000000000001-20240101T000000.wal"})
	deepEq(t, j.Records(1), []string{"1:alpha", "2:beta", "3:gamma"})
	deepEq(t, j.Records(3), []string{"3:gamma"})
	if j.FirstSeq() != 1 || j.LastSeq() != 3 {
		t.Errorf("FirstSeq/LastSeq = %d/%d, wanted 1/3", j.FirstSeq(), j.LastSeq())
	}
}

func TestJournal_reopen(t *testing.T) {
	j := journaltest.Open(t, journal.Options{})
	j.MustAppend(1, "alpha")
	j.MustAppend(2, "beta")
	j.Reopen()

	if j.LastSeq() != 2 {
		t.Errorf("LastSeq = %d, wanted 2", j.LastSeq())
	}
	j.MustAppend(3, "gamma")
	deepEq(t, j.Records(1), []string{"1:alpha", "2:beta", "3:gamma"})
	deepEq(t, j.FileNames(), []string{"j0000000000000001-20240101T000000.wal"})
}

func TestJournal_tornTail(t *testing.T) {
	j := journaltest.Open(t, journal.Options{})
	j.MustAppend(1, "alpha")
	j.MustAppend(2, "beta")
	j.MustAppend(3, "gamma")
	ensure(j.Sync())

	// Lose the last 5 bytes of the final record, as a crash mid-write would.
	f := j.FileNames()[0]
	j.Chop(f, 5)
	j.ReopenDirty()

	if j.LastSeq() != 2 {
		t.Errorf("LastSeq = %d, wanted 2", j.LastSeq())
	}
	deepEq(t, j.Records(1), []string{"1:alpha", "2:beta"})

	j.MustAppend(3, "delta")
	deepEq(t, j.Records(1), []string{"1:alpha", "2:beta", "3:delta"})
}

func TestJournal_tornPartialRecord(t *testing.T) {
	j := journaltest.Open(t, journal.Options{})
	j.MustAppend(1, "alpha")
	j.MustAppend(2, "beta")
	ensure(j.Sync())

	f := j.FileNames()[0]
	before := j.Size(f)
	j.Smudge(f, "par")
	j.ReopenDirty()

	deepEq(t, j.Records(1), []string{"1:alpha", "2:beta"})
	if got := j.Size(f); got != before {
		t.Errorf("size after recovery = %d, wanted %d", got, before)
	}
	j.MustAppend(3, "gamma")
	deepEq(t, j.Records(1), []string{"1:alpha", "2:beta", "3:gamma"})
}

func TestJournal_corruptMiddleTrimsRest(t *testing.T) {
	j := journaltest.Open(t, journal.Options{})
	j.MustAppend(1, "alpha")
	j.MustAppend(2, "beta")
	j.MustAppend(3, "gamma")
	ensure(j.Sync())

	// Record 2 starts right after the 72-byte header plus record 1
	// (1-byte size prefix, 5-byte payload, 8-byte checksum). Damaging its
	// payload must discard it and everything after it.
	f := j.FileNames()[0]
	j.FlipByte(f, 72+14+2)
	j.ReopenDirty()

	if j.LastSeq() != 1 {
		t.Errorf("LastSeq = %d, wanted 1", j.LastSeq())
	}
	deepEq(t, j.Records(1), []string{"1:alpha"})
}

func TestJournal_tornHeaderDropsSegment(t *testing.T) {
	j := journaltest.Open(t, journal.Options{MaxFileSize: 90})
	for seq, s := range []string{"aaaaa", "bbbbb", "ccccc", "ddddd", "eeeee"} {
		j.MustAppend(uint64(seq+1), s)
	}
	ensure(j.Sync())

	files := j.FileNames()
	if len(files) != 3 {
		t.Fatalf("files = %v, wanted 3 segments", files)
	}

	// Cut the last segment down to a partial header, as a crash during
	// rotation would leave it.
	last := files[len(files)-1]
	j.Chop(last, j.Size(last)-40)
	j.ReopenDirty()

	if j.LastSeq() != 4 {
		t.Errorf("LastSeq = %d, wanted 4", j.LastSeq())
	}
	deepEq(t, j.FileNames(), files[:2])
	j.MustAppend(5, "EEEEE")
	deepEq(t, j.Records(4), []string{"4:ddddd", "5:EEEEE"})
}

func TestJournal_corruptOlderSegment(t *testing.T) {
	j := journaltest.Open(t, journal.Options{MaxFileSize: 90})
	for seq, s := range []string{"aaaaa", "bbbbb", "ccccc", "ddddd", "eeeee"} {
		j.MustAppend(uint64(seq+1), s)
	}
	ensure(j.Sync())

	files := j.FileNames()
	j.FlipByte(files[0], 72+2)

	err := j.Read(1, func(seq uint64, data []byte) error { return nil })
	if !errors.Is(err, journal.ErrCorrupted) {
		t.Errorf("Read(1) = %v, wanted ErrCorrupted", err)
	}
	// Reading past the damaged segment still works.
	deepEq(t, j.Records(3), []string{"3:ccccc", "4:ddddd", "5:eeeee"})
}

func TestJournal_rotation(t *testing.T) {
	j := journaltest.Open(t, journal.Options{MaxFileSize: 90})
	for seq, s := range []string{"aaaaa", "bbbbb", "ccccc", "ddddd", "eeeee"} {
		j.Advance(time.Second)
		j.MustAppend(uint64(seq+1), s)
	}

	deepEq(t, j.FileNames(), []string{
		"j0000000000000001-20240101T000001.wal",
		"j0000000000000003-20240101T000003.wal",
		"j0000000000000005-20240101T000005.wal",
	})
	deepEq(t, j.Records(1), []string{"1:aaaaa", "2:bbbbb", "3:ccccc", "4:ddddd", "5:eeeee"})

	j.Reopen()
	if j.FirstSeq() != 1 || j.LastSeq() != 5 {
		t.Errorf("FirstSeq/LastSeq = %d/%d, wanted 1/5", j.FirstSeq(), j.LastSeq())
	}
	deepEq(t, j.Records(4), []string{"4:ddddd", "5:eeeee"})
}

func TestJournal_compaction(t *testing.T) {
	j := journaltest.Open(t, journal.Options{MaxFileSize: 90})
	for seq, s := range []string{"aaaaa", "bbbbb", "ccccc", "ddddd", "eeeee"} {
		j.MustAppend(uint64(seq+1), s)
	}

	ensure(j.RemoveSegmentsBelow(2))
	if j.FirstSeq() != 3 {
		t.Errorf("FirstSeq = %d, wanted 3", j.FirstSeq())
	}
	deepEq(t, j.Records(1), []string{"3:ccccc", "4:ddddd", "5:eeeee"})

	// The active segment survives even when every record qualifies.
	ensure(j.RemoveSegmentsBelow(100))
	if j.FirstSeq() != 5 {
		t.Errorf("FirstSeq = %d, wanted 5", j.FirstSeq())
	}
	if j.LastSeq() != 5 {
		t.Errorf("LastSeq = %d, wanted 5", j.LastSeq())
	}
	deepEq(t, j.Records(1), []string{"5:eeeee"})

	j.MustAppend(6, "fffff")
	deepEq(t, j.Records(1), []string{"5:eeeee", "6:fffff"})
}

func TestJournal_outOfOrder(t *testing.T) {
	j := journaltest.Open(t, journal.Options{})

	// A journal may start past 1, continuing a compacted history.
	j.MustAppend(5, "eeeee")

	if err := j.Append(7, []byte("ggggg")); err == nil {
		t.Error("Append(7) after 5 unexpectedly succeeded")
	}
	if err := j.Append(5, []byte("EEEEE")); err == nil {
		t.Error("Append(5) twice unexpectedly succeeded")
	}
	j.MustAppend(6, "fffff")
	deepEq(t, j.Records(1), []string{"5:eeeee", "6:fffff"})
}

func TestJournal_invariant(t *testing.T) {
	j := journaltest.Open(t, journal.Options{Invariant: [32]byte{1, 2, 3}})
	j.MustAppend(1, "alpha")
	ensure(j.Journal.Close())

	j.Opt.Invariant = [32]byte{4, 5, 6}
	if err := j.TryReopen(); !errors.Is(err, journal.ErrIncompatible) {
		t.Errorf("reopen with different invariant = %v, wanted ErrIncompatible", err)
	}

	j.Opt.Invariant = [32]byte{1, 2, 3}
	if err := j.TryReopen(); err != nil {
		t.Errorf("reopen with original invariant: %v", err)
	}
}

func TestJournal_readOnly(t *testing.T) {
	j := journaltest.Open(t, journal.Options{})
	j.MustAppend(1, "alpha")
	j.MustAppend(2, "beta")
	ensure(j.Journal.Close())

	j.Opt.ReadOnly = true
	j.ReopenDirty()
	deepEq(t, j.Records(1), []string{"1:alpha", "2:beta"})
	if err := j.Append(3, []byte("gamma")); !errors.Is(err, journal.ErrReadOnly) {
		t.Errorf("Append = %v, wanted ErrReadOnly", err)
	}
}

func deepEq[T any](t testing.TB, a, e T) bool {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
		return false
	}
	return true
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
