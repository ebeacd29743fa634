package revdb

import (
	"fmt"
	"slices"
	"sync"
)

// memStore is a transient in-memory SnapshotStore intended for tests and
// throwaway databases. Revisions are kept in their encoded form so the codec
// gets exercised exactly like with persistent stores.
type memStore struct {
	mu     sync.Mutex
	logs   map[string]*memLog
	closed bool
}

type memLog struct {
	first    uint64 // seq of revs[0]; advances on compaction
	revs     [][]byte
	snapSeq  uint64
	snapData []byte
}

// NewMemStore returns a fresh in-memory store.
func NewMemStore() SnapshotStore {
	return &memStore{logs: make(map[string]*memLog)}
}

func (s *memStore) log(db string) *memLog {
	l := s.logs[db]
	if l == nil {
		l = &memLog{first: 1}
		s.logs[db] = l
	}
	return l
}

func (l *memLog) tail() uint64 {
	return l.first + uint64(len(l.revs)) - 1
}

func (s *memStore) Append(rev *Revision) error {
	data, err := EncodeRevision(rev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	l := s.log(rev.DB)
	if want := l.tail() + 1; rev.Seq != want {
		return fmt.Errorf("out-of-order append to %s: seq %d, want %d", rev.DB, rev.Seq, want)
	}
	l.revs = append(l.revs, data)
	return nil
}

func (s *memStore) Load(db string, fromSeq uint64, fn func(rev *Revision) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	l := s.logs[db]
	var encoded [][]byte
	var first uint64
	if l != nil {
		first = l.first
		encoded = slices.Clone(l.revs)
	}
	s.mu.Unlock()

	for i, data := range encoded {
		seq := first + uint64(i)
		if seq < fromSeq {
			continue
		}
		rev, err := DecodeRevision(data)
		if err != nil {
			return corruptErr(db, seq, err, "revision does not decode")
		}
		if err := fn(rev); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStore) TailSeq(db string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	l := s.logs[db]
	if l == nil {
		return 0, nil
	}
	return l.tail(), nil
}

func (s *memStore) Databases() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	ids := make([]string, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *memStore) PutSnapshot(db string, seq uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	l := s.log(db)
	l.snapSeq = seq
	l.snapData = slices.Clone(data)
	return nil
}

func (s *memStore) LoadSnapshot(db string) (uint64, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, nil, ErrClosed
	}
	l := s.logs[db]
	if l == nil || l.snapData == nil {
		return 0, nil, nil
	}
	return l.snapSeq, slices.Clone(l.snapData), nil
}

func (s *memStore) CompactLog(db string, below uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	l := s.logs[db]
	if l == nil || below < l.first {
		return nil
	}
	drop := below - l.first + 1
	if drop > uint64(len(l.revs)) {
		drop = uint64(len(l.revs))
	}
	l.revs = slices.Delete(l.revs, 0, int(drop))
	l.first += drop
	return nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.logs = nil
	return nil
}
