package revdb

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/andreyvit/revdb/journal"
)

// JournalStoreOptions tune the journal-backed store.
type JournalStoreOptions struct {
	// NoSync skips the fsync after every append, trading durability for
	// speed; never use outside tests.
	NoSync bool

	// MaxSegmentSize caps journal segment files, 0 for the default.
	MaxSegmentSize int64

	Logger  *slog.Logger
	Verbose bool
}

// journalStore keeps each database in its own subdirectory: an append-only
// journal of revisions next to the latest snapshot. Compared to the bbolt
// store it trades transactional deletes for plain-file inspectability and
// O(1) compaction.
type journalStore struct {
	dir    string
	opt    JournalStoreOptions
	logger *slog.Logger

	mu     sync.Mutex
	dbs    map[string]*journalLog
	closed bool
}

type journalLog struct {
	j   *journal.Journal
	dir string
}

const snapshotFileName = "snapshot.bin"

// OpenJournalStore opens or creates a directory-backed store where every
// database keeps a journal of revisions and its latest snapshot.
func OpenJournalStore(dir string, opt JournalStoreOptions) (SnapshotStore, error) {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("revdb: %w", err)
	}
	return &journalStore{
		dir:    dir,
		opt:    opt,
		logger: opt.Logger,
		dbs:    make(map[string]*journalLog),
	}, nil
}

// open returns the journal of db, recovering it on first use. With create
// false, a database that has no directory yet yields (nil, nil).
func (s *journalStore) open(db string, create bool) (*journalLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if l := s.dbs[db]; l != nil {
		return l, nil
	}

	dir := filepath.Join(s.dir, dbDirName(db))
	if create {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return nil, err
		}
	} else if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	j, err := journal.Open(dir, journal.Options{
		FileName:    "revs-*.wal",
		MaxFileSize: s.opt.MaxSegmentSize,
		DebugName:   db,
		Invariant:   journalInvariant(db),
		Logger:      s.logger,
		Verbose:     s.opt.Verbose,
	})
	if err != nil {
		return nil, err
	}
	l := &journalLog{j: j, dir: dir}
	s.dbs[db] = l
	return l, nil
}

func (s *journalStore) Append(rev *Revision) error {
	l, err := s.open(rev.DB, true)
	if err != nil {
		return err
	}
	data, err := EncodeRevision(rev)
	if err != nil {
		return err
	}
	if err := l.j.Append(rev.Seq, data); err != nil {
		return err
	}
	if s.opt.NoSync {
		return nil
	}
	return l.j.Sync()
}

func (s *journalStore) Load(db string, fromSeq uint64, fn func(rev *Revision) error) error {
	l, err := s.open(db, false)
	if err != nil || l == nil {
		return err
	}
	return l.j.Read(fromSeq, func(seq uint64, data []byte) error {
		rev, err := DecodeRevision(data)
		if err != nil {
			return corruptErr(db, seq, err, "revision does not decode")
		}
		if rev.Seq != seq {
			return corruptErr(db, seq, nil, "revision claims seq %d", rev.Seq)
		}
		return fn(rev)
	})
}

func (s *journalStore) TailSeq(db string) (uint64, error) {
	l, err := s.open(db, false)
	if err != nil || l == nil {
		return 0, err
	}
	return l.j.LastSeq(), nil
}

func (s *journalStore) Databases() ([]string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, ent := range ents {
		if !ent.IsDir() {
			continue
		}
		db, err := url.PathUnescape(ent.Name())
		if err != nil {
			continue
		}
		if !dbDirHasData(filepath.Join(s.dir, ent.Name())) {
			continue
		}
		ids = append(ids, db)
	}
	return ids, nil
}

func (s *journalStore) PutSnapshot(db string, seq uint64, data []byte) error {
	l, err := s.open(db, true)
	if err != nil {
		return err
	}

	buf := make([]byte, 8, 8+len(data)+8)
	binary.BigEndian.PutUint64(buf, seq)
	buf = append(buf, data...)
	buf = binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(buf))

	path := filepath.Join(l.dir, snapshotFileName)
	tmp := path + ".tmp"
	if err := writeFileSync(tmp, buf); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (s *journalStore) LoadSnapshot(db string) (uint64, []byte, error) {
	l, err := s.open(db, false)
	if err != nil || l == nil {
		return 0, nil, err
	}
	buf, err := os.ReadFile(filepath.Join(l.dir, snapshotFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil, nil
	} else if err != nil {
		return 0, nil, err
	}
	if len(buf) < 16 {
		return 0, nil, corruptErr(db, 0, nil, "snapshot file too short (%d bytes)", len(buf))
	}
	body := buf[:len(buf)-8]
	if xxhash.Sum64(body) != binary.LittleEndian.Uint64(buf[len(buf)-8:]) {
		return 0, nil, corruptErr(db, 0, nil, "snapshot checksum mismatch")
	}
	return binary.BigEndian.Uint64(body), body[8:], nil
}

func (s *journalStore) CompactLog(db string, below uint64) error {
	l, err := s.open(db, false)
	if err != nil || l == nil {
		return err
	}
	return l.j.RemoveSegmentsBelow(below)
}

func (s *journalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	var firstErr error
	for _, l := range s.dbs {
		if err := l.j.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.dbs = nil
	return firstErr
}

// dbDirName yields a filesystem-safe directory name for a database id,
// reversible via url.PathUnescape.
func dbDirName(db string) string {
	name := url.PathEscape(db)
	if name == "." || name == ".." {
		name = strings.ReplaceAll(name, ".", "%2E")
	}
	return name
}

func dbDirHasData(dir string) bool {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, ent := range ents {
		name := ent.Name()
		if name == snapshotFileName {
			return true
		}
		if strings.HasPrefix(name, "revs-") && strings.HasSuffix(name, ".wal") {
			return true
		}
	}
	return false
}

// journalInvariant binds a database's segment files to its id, so files
// moved between database directories are rejected instead of replayed.
func journalInvariant(db string) [32]byte {
	return sha256.Sum256([]byte("revdb journal\x00" + db))
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
