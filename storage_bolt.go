package revdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
	"unsafe"

	"go.etcd.io/bbolt"
)

var (
	boltRevsBucket  = []byte("revs")
	boltSnapsBucket = []byte("snaps")
)

// BoltStoreOptions tune the bbolt-backed store.
type BoltStoreOptions struct {
	// IsTesting trades durability for speed (NoSync); never use outside
	// tests.
	IsTesting bool
	MmapSize  int
}

// boltStore is the default persistent SnapshotStore: one bbolt file holding
// every database's revision log (a nested bucket per database keyed by
// big-endian seq) and the latest snapshot of each.
type boltStore struct {
	bdb *bbolt.DB
}

// OpenBoltStore opens or creates a bbolt-backed store at path.
func OpenBoltStore(path string, opt BoltStoreOptions) (SnapshotStore, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 64
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, fmt.Errorf("revdb: %w", err)
	}
	err = bdb.Update(func(btx *bbolt.Tx) error {
		if _, err := btx.CreateBucketIfNotExists(boltRevsBucket); err != nil {
			return err
		}
		_, err := btx.CreateBucketIfNotExists(boltSnapsBucket)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("revdb: preparing buckets: %w", err)
	}
	return &boltStore{bdb: bdb}, nil
}

func (s *boltStore) Append(rev *Revision) error {
	data, err := EncodeRevision(rev)
	if err != nil {
		return err
	}
	return s.bdb.Update(func(btx *bbolt.Tx) error {
		b, err := btx.Bucket(boltRevsBucket).CreateBucketIfNotExists(unsafeBytesFromString(rev.DB))
		if err != nil {
			return err
		}
		var last uint64
		if k, _ := b.Cursor().Last(); k != nil {
			last = binary.BigEndian.Uint64(k)
		}
		if rev.Seq != last+1 {
			return fmt.Errorf("out-of-order append to %s: seq %d, want %d", rev.DB, rev.Seq, last+1)
		}
		return b.Put(seqKey(rev.Seq), data)
	})
}

func (s *boltStore) Load(db string, fromSeq uint64, fn func(rev *Revision) error) error {
	return s.bdb.View(func(btx *bbolt.Tx) error {
		b := btx.Bucket(boltRevsBucket).Bucket(unsafeBytesFromString(db))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(seqKey(fromSeq)); k != nil; k, v = c.Next() {
			seq := binary.BigEndian.Uint64(k)
			rev, err := DecodeRevision(v)
			if err != nil {
				return corruptErr(db, seq, err, "revision does not decode")
			}
			if rev.Seq != seq {
				return corruptErr(db, seq, nil, "revision claims seq %d", rev.Seq)
			}
			if err := fn(rev); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) TailSeq(db string) (uint64, error) {
	var tail uint64
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		b := btx.Bucket(boltRevsBucket).Bucket(unsafeBytesFromString(db))
		if b == nil {
			return nil
		}
		if k, _ := b.Cursor().Last(); k != nil {
			tail = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return tail, err
}

func (s *boltStore) Databases() ([]string, error) {
	seen := make(map[string]bool)
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		err := btx.Bucket(boltRevsBucket).ForEachBucket(func(k []byte) error {
			seen[string(k)] = true
			return nil
		})
		if err != nil {
			return err
		}
		return btx.Bucket(boltSnapsBucket).ForEach(func(k, v []byte) error {
			seen[string(k)] = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *boltStore) PutSnapshot(db string, seq uint64, data []byte) error {
	return s.bdb.Update(func(btx *bbolt.Tx) error {
		buf := make([]byte, 8+len(data))
		binary.BigEndian.PutUint64(buf, seq)
		copy(buf[8:], data)
		return btx.Bucket(boltSnapsBucket).Put(unsafeBytesFromString(db), buf)
	})
}

func (s *boltStore) LoadSnapshot(db string) (uint64, []byte, error) {
	var seq uint64
	var data []byte
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		v := btx.Bucket(boltSnapsBucket).Get(unsafeBytesFromString(db))
		if v == nil {
			return nil
		}
		if len(v) < 8 {
			return corruptErr(db, 0, nil, "snapshot record too short (%d bytes)", len(v))
		}
		seq = binary.BigEndian.Uint64(v)
		data = bytes.Clone(v[8:])
		return nil
	})
	return seq, data, err
}

func (s *boltStore) CompactLog(db string, below uint64) error {
	return s.bdb.Update(func(btx *bbolt.Tx) error {
		b := btx.Bucket(boltRevsBucket).Bucket(unsafeBytesFromString(db))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		last, _ := c.Last()
		if last == nil {
			return nil
		}
		// the newest record always survives so the next append still finds
		// the tail after a full compaction
		keep := binary.BigEndian.Uint64(last)
		for k, _ := c.First(); k != nil; k, _ = c.First() {
			seq := binary.BigEndian.Uint64(k)
			if seq > below || seq == keep {
				return nil
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) Close() error {
	return s.bdb.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
