// Package journal implements append-only revision logs as directories of
// self-checksummed segment files.
//
// Features:
//
//  1. Strictly sequential records. Every record occupies one sequence
//     number, implied by its position; Append enforces contiguity, so a
//     journal can never hold a gap.
//
//  2. Crash-resistant (when followed by Sync). Every segment starts with a
//     checksummed header, and every record carries an xxhash checksum. A
//     torn tail left by a crash is trimmed on open; damage anywhere else
//     surfaces as ErrCorrupted instead of silently dropping records.
//
//  3. Rotates segment files when they reach a size threshold, and drops
//     whole segments below a compaction point on request.
//
// File format:
//
//   - file = segmentHeader record*
//   - segmentHeader = magic:64 version:8 pad:8 flags:16 pad:32 firstSeq:64
//     timestamp:32 pad:32 invariant:8*32 checksum:64
//   - record = size:uvarint payload checksum:64
package journal

import (
	"cmp"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrIncompatible       = errors.New("incompatible journal")
	ErrUnsupportedVersion = errors.New("unsupported journal version")
	ErrCorrupted          = errors.New("corrupted journal")
	ErrReadOnly           = errors.New("journal is read-only")
	ErrClosed             = errors.New("journal is closed")

	errInvalidRecord = errors.New("invalid record")
	errCorruptedFile = errors.New("corrupted journal segment file")
)

type Options struct {
	FileName    string // segment name pattern, e.g. "revs-*.wal"
	MaxFileSize int64  // new segment after this size
	DebugName   string
	ReadOnly    bool
	Now         func() time.Time

	// Invariant must match across every segment of one journal. Use it to
	// bind the files to their owner so that segments moved between journal
	// directories are rejected instead of replayed.
	Invariant [32]byte

	Logger  *slog.Logger
	Verbose bool
}

const DefaultMaxFileSize = 4 * 1024 * 1024

const (
	magic          = 0x304c4e524a564552 // "REVJRNL0" as little-endian uint64
	version0 uint8 = 0
)

const (
	segmentHeaderSize = 9 * 8
	recordTrailerSize = 8
	maxRecordSize     = 1 << 30
)

type segmentHeader struct {
	Magic     uint64
	Version   uint8
	_         uint8
	Flags     uint16
	_         uint32
	FirstSeq  uint64
	Timestamp uint32
	_         uint32
	Invariant [32]byte
	Checksum  uint64
}

type segmentInfo struct {
	name     string
	firstSeq uint64
	ts       uint32
	size     int64 // validated length: header plus whole records
}

// Journal is a set of segment files holding one contiguous run of records.
// All methods are safe for concurrent use.
type Journal struct {
	dir            string
	fileNamePrefix string
	fileNameSuffix string
	maxFileSize    int64
	debugName      string
	readOnly       bool
	invariant      [32]byte
	now            func() time.Time
	logger         *slog.Logger
	verbose        bool

	mu       sync.Mutex
	err      error // first write failure; latched until reopen
	closed   bool
	segs     []*segmentInfo
	firstSeq uint64
	lastSeq  uint64
	w        *segmentWriter
}

// Open scans dir for segment files, recovers the tail and returns a journal
// ready for reading and, unless o.ReadOnly, appending. A torn tail left by
// a crash is trimmed; a segment without a single whole record is deleted.
func Open(dir string, o Options) (*Journal, error) {
	if o.FileName == "" {
		o.FileName = "*"
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	if o.DebugName == "" {
		o.DebugName = "journal"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	j := &Journal{
		dir:            dir,
		fileNamePrefix: prefix,
		fileNameSuffix: suffix,
		maxFileSize:    o.MaxFileSize,
		debugName:      o.DebugName,
		readOnly:       o.ReadOnly,
		invariant:      o.Invariant,
		now:            o.Now,
		logger:         o.Logger,
		verbose:        o.Verbose,
	}
	if err := j.recover(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) String() string {
	return j.debugName
}

// Now returns the current time as journal timestamps store it.
func (j *Journal) Now() uint32 {
	v := j.now().Unix()
	if v < 0 {
		panic("time travel disallowed")
	}
	u := uint64(v)
	if u&0xFFFF_FFFF_0000_0000 != 0 {
		panic("time travel disallowed both ways")
	}
	return uint32(u)
}

// FirstSeq returns the sequence number of the oldest retained record, or 0
// when the journal is empty.
func (j *Journal) FirstSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.segs) == 0 {
		return 0
	}
	return j.firstSeq
}

// LastSeq returns the sequence number of the newest record, or 0 when the
// journal has never held one.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq
}

func (j *Journal) recover() error {
	ents, err := os.ReadDir(j.dir)
	if err != nil {
		return err
	}
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, j.fileNamePrefix) || !strings.HasSuffix(name, j.fileNameSuffix) {
			continue
		}
		middle := strings.TrimSuffix(strings.TrimPrefix(name, j.fileNamePrefix), j.fileNameSuffix)
		firstSeq, ts, err := parseSegmentName(middle)
		if err != nil {
			return fmt.Errorf("%v: %w", j.debugName, err)
		}
		j.segs = append(j.segs, &segmentInfo{name: name, firstSeq: firstSeq, ts: ts})
	}
	slices.SortFunc(j.segs, func(a, b *segmentInfo) int {
		return cmp.Compare(a.firstSeq, b.firstSeq)
	})
	for i := 1; i < len(j.segs); i++ {
		if j.segs[i].firstSeq == j.segs[i-1].firstSeq {
			return fmt.Errorf("%v: %w: duplicate segments %v and %v", j.debugName, ErrCorrupted, j.segs[i-1].name, j.segs[i].name)
		}
	}

	// Older segments only get their headers verified here; their records
	// are checked when read. A bad header in the middle of the journal is
	// never a crash artifact, so it is fatal.
	for _, seg := range j.segs[:max(0, len(j.segs)-1)] {
		if err := j.readSegmentHeader(seg); err != nil {
			if err == errCorruptedFile {
				return fmt.Errorf("%v: segment %v: %w", j.debugName, seg.name, ErrCorrupted)
			}
			return fmt.Errorf("%v: segment %v: %w", j.debugName, seg.name, err)
		}
	}

	// The last segment took the crash, if there was one. Trim it to the
	// last whole record; if nothing survives, drop the file and recover
	// against the previous segment.
	for len(j.segs) > 0 {
		seg := j.segs[len(j.segs)-1]
		err := j.recoverTail(seg)
		if err == errCorruptedFile {
			if j.readOnly {
				j.segs = j.segs[:len(j.segs)-1]
				continue
			}
			j.logger.LogAttrs(context.Background(), slog.LevelWarn, "journal: deleting segment without a single whole record",
				slog.String("jrnl", j.debugName), slog.String("file", seg.name))
			if err := os.Remove(filepath.Join(j.dir, seg.name)); err != nil {
				return err
			}
			j.segs = j.segs[:len(j.segs)-1]
			continue
		} else if err != nil {
			return err
		}
		break
	}
	if len(j.segs) > 0 {
		j.firstSeq = j.segs[0].firstSeq
	}

	if j.verbose {
		j.logger.LogAttrs(context.Background(), slog.LevelDebug, "journal: opened",
			slog.String("jrnl", j.debugName), slog.Int("segments", len(j.segs)),
			slog.Uint64("first", j.firstSeq), slog.Uint64("last", j.lastSeq))
	}
	return nil
}

func (j *Journal) recoverTail(seg *segmentInfo) error {
	path := filepath.Join(j.dir, seg.name)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) < segmentHeaderSize {
		return errCorruptedFile
	}
	var h segmentHeader
	if err := j.checkHeader(&h, data[:segmentHeaderSize], seg); err != nil {
		return err
	}

	n, off, _ := scanRecords(data[segmentHeaderSize:], nil)
	if n == 0 {
		return errCorruptedFile
	}
	validSize := segmentHeaderSize + off
	if int64(len(data)) > validSize {
		if j.readOnly {
			j.logger.LogAttrs(context.Background(), slog.LevelWarn, "journal: ignoring torn tail",
				slog.String("jrnl", j.debugName), slog.String("file", seg.name),
				slog.Int64("validSize", validSize), slog.Int("size", len(data)))
		} else {
			j.logger.LogAttrs(context.Background(), slog.LevelWarn, "journal: trimming torn tail",
				slog.String("jrnl", j.debugName), slog.String("file", seg.name),
				slog.Int64("validSize", validSize), slog.Int("size", len(data)))
			if err := os.Truncate(path, validSize); err != nil {
				return err
			}
		}
	}
	seg.size = validSize
	j.lastSeq = seg.firstSeq + uint64(n) - 1
	return nil
}

// readSegmentHeader verifies the header and records the physical size.
func (j *Journal) readSegmentHeader(seg *segmentInfo) error {
	f, err := os.Open(filepath.Join(j.dir, seg.name))
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	var buf [segmentHeaderSize]byte
	_, err = io.ReadFull(f, buf[:])
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errCorruptedFile
	} else if err != nil {
		return err
	}
	var h segmentHeader
	if err := j.checkHeader(&h, buf[:], seg); err != nil {
		return err
	}
	seg.size = st.Size()
	return nil
}

func (j *Journal) checkHeader(h *segmentHeader, buf []byte, seg *segmentInfo) error {
	n, err := binaryDecode(buf, binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != segmentHeaderSize {
		panic("internal size mismatch")
	}

	if xxhash.Sum64(buf[:segmentHeaderSize-8]) != h.Checksum {
		return errCorruptedFile
	}
	if h.Magic != magic {
		return errCorruptedFile
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	if h.Invariant != j.invariant {
		return ErrIncompatible
	}
	if h.FirstSeq != seg.firstSeq {
		return errCorruptedFile
	}
	return nil
}

// Append writes one record. seq must be exactly one past LastSeq unless the
// journal is empty. The record is durable only after a subsequent Sync.
func (j *Journal) Append(seq uint64, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%v: empty record", j.debugName)
	}
	if seq == 0 {
		return fmt.Errorf("%v: seq 0 is reserved", j.debugName)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if j.readOnly {
		return ErrReadOnly
	}
	if j.err != nil {
		return j.err
	}
	if j.lastSeq != 0 && seq != j.lastSeq+1 {
		return fmt.Errorf("%v: out-of-order append: seq %d, want %d", j.debugName, seq, j.lastSeq+1)
	}

	if j.w != nil && j.w.seg.size >= j.maxFileSize {
		if err := j.fail(j.closeWriterLocked()); err != nil {
			return err
		}
	}
	if j.w == nil {
		if err := j.fail(j.openWriterLocked(seq)); err != nil {
			return err
		}
	}
	if err := j.fail(j.w.writeRecord(data)); err != nil {
		return err
	}
	if j.firstSeq == 0 {
		j.firstSeq = seq
	}
	j.lastSeq = seq
	return nil
}

// Sync flushes the active segment to stable storage.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	if j.w == nil {
		return nil
	}
	return j.fail(fdatasync(j.w.f))
}

func (j *Journal) openWriterLocked(seq uint64) error {
	if n := len(j.segs); n > 0 && j.segs[n-1].size < j.maxFileSize {
		seg := j.segs[n-1]
		f, err := os.OpenFile(filepath.Join(j.dir, seg.name), os.O_RDWR, 0o666)
		if err != nil {
			return err
		}
		if _, err := f.Seek(seg.size, io.SeekStart); err != nil {
			f.Close()
			return err
		}
		j.w = &segmentWriter{f: f, seg: seg}
		return nil
	}
	return j.startSegmentLocked(seq)
}

func (j *Journal) startSegmentLocked(seq uint64) error {
	ts := j.Now()
	name := formatSegmentName(j.fileNamePrefix, j.fileNameSuffix, seq, ts)

	f, err := os.OpenFile(filepath.Join(j.dir, name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return err
	}
	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	var hbuf [segmentHeaderSize]byte
	fillSegmentHeader(hbuf[:], seq, ts, j.invariant)
	if _, err := f.Write(hbuf[:]); err != nil {
		return err
	}

	seg := &segmentInfo{name: name, firstSeq: seq, ts: ts, size: segmentHeaderSize}
	j.segs = append(j.segs, seg)
	j.w = &segmentWriter{f: f, seg: seg}
	ok = true
	return nil
}

// Read replays records in sequence order starting at fromSeq, calling fn for
// each. The payload slice is only valid during the call. Reading past a
// compacted prefix starts at the oldest retained record.
func (j *Journal) Read(fromSeq uint64, fn func(seq uint64, data []byte) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	start := 0
	for i, seg := range j.segs {
		if seg.firstSeq <= fromSeq {
			start = i
		}
	}
	for i := start; i < len(j.segs); i++ {
		seg := j.segs[i]
		data, err := os.ReadFile(filepath.Join(j.dir, seg.name))
		if err != nil {
			return err
		}
		if int64(len(data)) < seg.size {
			return fmt.Errorf("%v: segment %v: %w: file shrank", j.debugName, seg.name, ErrCorrupted)
		}
		data = data[:seg.size]
		var h segmentHeader
		if err := j.checkHeader(&h, data[:segmentHeaderSize], seg); err != nil {
			if err == errCorruptedFile {
				return fmt.Errorf("%v: segment %v: %w: bad header", j.debugName, seg.name, ErrCorrupted)
			}
			return fmt.Errorf("%v: segment %v: %w", j.debugName, seg.name, err)
		}

		seq := seg.firstSeq
		_, _, err = scanRecords(data[segmentHeaderSize:], func(payload []byte) error {
			s := seq
			seq++
			if s < fromSeq {
				return nil
			}
			return fn(s, payload)
		})
		if err == errInvalidRecord {
			return fmt.Errorf("%v: segment %v: %w: invalid record at seq %d", j.debugName, seg.name, ErrCorrupted, seq)
		} else if err != nil {
			return err
		}
		if i+1 < len(j.segs) && seq != j.segs[i+1].firstSeq {
			return fmt.Errorf("%v: %w: segment %v ends at seq %d but %v starts at %d",
				j.debugName, ErrCorrupted, seg.name, seq-1, j.segs[i+1].name, j.segs[i+1].firstSeq)
		}
	}
	return nil
}

// RemoveSegmentsBelow deletes whole segments whose records all have
// seq <= below. The active segment is never removed, so some records at or
// below the cutoff may survive.
func (j *Journal) RemoveSegmentsBelow(below uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if j.readOnly {
		return ErrReadOnly
	}

	var n int
	for n < len(j.segs)-1 && j.segs[n+1].firstSeq <= below+1 {
		if err := os.Remove(filepath.Join(j.dir, j.segs[n].name)); err != nil {
			j.segs = j.segs[n:]
			j.firstSeq = j.segs[0].firstSeq
			return err
		}
		n++
	}
	if n > 0 {
		j.segs = j.segs[n:]
		j.firstSeq = j.segs[0].firstSeq
		if j.verbose {
			j.logger.LogAttrs(context.Background(), slog.LevelDebug, "journal: removed segments",
				slog.String("jrnl", j.debugName), slog.Int("segments", n), slog.Uint64("first", j.firstSeq))
		}
	}
	return nil
}

// Close syncs and closes the active segment. Further calls are no-ops.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.closeWriterLocked()
}

func (j *Journal) closeWriterLocked() error {
	if j.w == nil {
		return nil
	}
	f := j.w.f
	j.w = nil
	serr := fdatasync(f)
	cerr := f.Close()
	if serr != nil {
		return serr
	}
	return cerr
}

func (j *Journal) fail(err error) error {
	if err == nil {
		return nil
	}
	j.logger.LogAttrs(context.Background(), slog.LevelError, "journal: failed",
		slog.String("jrnl", j.debugName), slog.Any("err", err))
	if j.err == nil {
		j.err = err
	}
	if j.w != nil {
		j.w.f.Close()
		j.w = nil
	}
	return err
}

type segmentWriter struct {
	f   *os.File
	seg *segmentInfo
}

func (w *segmentWriter) writeRecord(data []byte) error {
	var hbuf [binary.MaxVarintLen64]byte
	h := binary.AppendUvarint(hbuf[:0], uint64(len(data)))
	var tbuf [recordTrailerSize]byte
	binary.LittleEndian.PutUint64(tbuf[:], xxhash.Sum64(data))

	if _, err := w.f.Write(h); err != nil {
		return err
	}
	if _, err := w.f.Write(data); err != nil {
		return err
	}
	if _, err := w.f.Write(tbuf[:]); err != nil {
		return err
	}
	w.seg.size += int64(len(h)) + int64(len(data)) + recordTrailerSize
	return nil
}

// scanRecords walks the checksummed records in data, calling fn for each
// payload, and returns the record count plus the offset just past the last
// good record. A nil error means data ends exactly at a record boundary;
// errInvalidRecord means the bytes at the returned offset do not form a
// whole record.
func scanRecords(data []byte, fn func(payload []byte) error) (int, int64, error) {
	var n int
	var off int64
	total := int64(len(data))
	for off < total {
		size, k := binary.Uvarint(data[off:])
		if k <= 0 || size == 0 || size > maxRecordSize {
			return n, off, errInvalidRecord
		}
		body := off + int64(k)
		end := body + int64(size) + recordTrailerSize
		if end > total {
			return n, off, errInvalidRecord
		}
		payload := data[body : body+int64(size)]
		if xxhash.Sum64(payload) != binary.LittleEndian.Uint64(data[end-recordTrailerSize:end]) {
			return n, off, errInvalidRecord
		}
		if fn != nil {
			if err := fn(payload); err != nil {
				return n, off, err
			}
		}
		n++
		off = end
	}
	return n, off, nil
}

func fillSegmentHeader(buf []byte, firstSeq uint64, ts uint32, invariant [32]byte) {
	h := segmentHeader{
		Magic:     magic,
		Version:   version0,
		FirstSeq:  firstSeq,
		Timestamp: ts,
		Invariant: invariant,
	}
	n, err := binaryEncode(buf, binary.LittleEndian, &h)
	if err != nil {
		panic(err)
	}
	if n != segmentHeaderSize {
		panic("internal size mismatch")
	}
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], xxhash.Sum64(buf[:segmentHeaderSize-8]))
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

const timestampFmt = "20060102T150405"

func formatSegmentName(prefix, suffix string, firstSeq uint64, ts uint32) string {
	t := time.Unix(int64(ts), 0).UTC()
	return fmt.Sprintf("%s%016x-%s%s", prefix, firstSeq, t.Format(timestampFmt), suffix)
}

func parseSegmentName(name string) (firstSeq uint64, ts uint32, err error) {
	seqStr, tsStr, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	firstSeq, err = strconv.ParseUint(seqStr, 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid segment file name %q (bad sequence number)", name)
	}
	t, err := time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return firstSeq, 0, fmt.Errorf("invalid segment file name %q (bad timestamp)", name)
	}
	return firstSeq, uint32(t.Unix()), nil
}
