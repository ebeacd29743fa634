// Package journaltest provides a harness for exercising journals, including
// crash and corruption scenarios.
package journaltest

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/andreyvit/revdb/journal"
)

// Start is the wall-clock origin test journals open at.
var Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type TestJournal struct {
	*journal.Journal

	T   testing.TB
	Dir string

	// Opt is what the journal was opened with; tests may tweak it before a
	// reopen.
	Opt journal.Options

	now time.Time
}

// Open creates a journal in a fresh temporary directory with a fixed clock
// and verbose logging wired to the test log.
func Open(t testing.TB, o journal.Options) *TestJournal {
	tj := &TestJournal{T: t, Dir: t.TempDir(), now: Start}
	if o.FileName == "" {
		o.FileName = "j*.wal"
	}
	o.Now = func() time.Time { return tj.now }
	o.Logger = slog.New(slog.NewTextHandler(&logWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	o.Verbose = true
	tj.Opt = o

	j, err := journal.Open(tj.Dir, o)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	tj.Journal = j
	t.Cleanup(func() {
		if err := tj.Journal.Close(); err != nil {
			t.Error(err)
		}
	})
	return tj
}

// Reopen closes the journal and opens the same directory again, as a clean
// process restart would.
func (tj *TestJournal) Reopen() {
	tj.T.Helper()
	if err := tj.Journal.Close(); err != nil {
		tj.T.Fatalf("Close: %v", err)
	}
	tj.ReopenDirty()
}

// ReopenDirty opens the same directory without closing first, the way crash
// recovery would. The abandoned journal keeps its file handle; tests must
// not append through it afterwards.
func (tj *TestJournal) ReopenDirty() {
	tj.T.Helper()
	if err := tj.TryReopen(); err != nil {
		tj.T.Fatalf("journal.Open: %v", err)
	}
}

// TryReopen attempts to open the directory again and returns the error, for
// tests that expect opening to fail.
func (tj *TestJournal) TryReopen() error {
	j, err := journal.Open(tj.Dir, tj.Opt)
	if err != nil {
		return err
	}
	tj.Journal = j
	return nil
}

func (tj *TestJournal) Advance(d time.Duration) {
	tj.now = tj.now.Add(d)
}

// MustAppend appends one record and fails the test on error.
func (tj *TestJournal) MustAppend(seq uint64, data string) {
	tj.T.Helper()
	if err := tj.Append(seq, []byte(data)); err != nil {
		tj.T.Fatalf("Append(%d): %v", seq, err)
	}
}

// Records replays the journal from fromSeq and renders every record as
// "seq:payload" for easy comparison.
func (tj *TestJournal) Records(fromSeq uint64) []string {
	tj.T.Helper()
	var out []string
	err := tj.Read(fromSeq, func(seq uint64, data []byte) error {
		out = append(out, fmt.Sprintf("%d:%s", seq, data))
		return nil
	})
	if err != nil {
		tj.T.Fatalf("Read(%d): %v", fromSeq, err)
	}
	return out
}

func (tj *TestJournal) FileNames() []string {
	tj.T.Helper()
	ents, err := os.ReadDir(tj.Dir)
	if err != nil {
		tj.T.Fatal(err)
	}
	var names []string
	for _, ent := range ents {
		names = append(names, ent.Name())
	}
	slices.Sort(names)
	return names
}

// FlipByte corrupts one byte of a segment file in place. A negative offset
// counts from the end of the file.
func (tj *TestJournal) FlipByte(fileName string, off int64) {
	tj.T.Helper()
	path := filepath.Join(tj.Dir, fileName)
	data, err := os.ReadFile(path)
	if err != nil {
		tj.T.Fatal(err)
	}
	if off < 0 {
		off += int64(len(data))
	}
	data[off] ^= 0x5A
	if err := os.WriteFile(path, data, 0o666); err != nil {
		tj.T.Fatal(err)
	}
}

// Chop truncates n bytes off the end of a segment file, imitating a torn
// write.
func (tj *TestJournal) Chop(fileName string, n int64) {
	tj.T.Helper()
	path := filepath.Join(tj.Dir, fileName)
	st, err := os.Stat(path)
	if err != nil {
		tj.T.Fatal(err)
	}
	if err := os.Truncate(path, st.Size()-n); err != nil {
		tj.T.Fatal(err)
	}
}

// Smudge appends garbage bytes to a segment file, imitating a crash that
// wrote part of a record.
func (tj *TestJournal) Smudge(fileName string, garbage string) {
	tj.T.Helper()
	f, err := os.OpenFile(filepath.Join(tj.Dir, fileName), os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		tj.T.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(garbage); err != nil {
		tj.T.Fatal(err)
	}
}

// Size returns the current byte size of a segment file.
func (tj *TestJournal) Size(fileName string) int64 {
	tj.T.Helper()
	st, err := os.Stat(filepath.Join(tj.Dir, fileName))
	if err != nil {
		tj.T.Fatal(err)
	}
	return st.Size()
}

type logWriter struct{ t testing.TB }

func (c *logWriter) Write(buf []byte) (int, error) {
	msg := string(buf)
	origLen := len(msg)
	c.t.Log(strings.TrimSuffix(msg, "\n"))
	return origLen, nil
}
