package journal

import (
	"encoding/binary"
	"testing"

	"github.com/cespare/xxhash/v2"
)

func TestFormatSegmentName(t *testing.T) {
	name := formatSegmentName("x", ".y", 0x1234, 1672531200)
	exp := "x0000000000001234-20230101T000000.y"
	if name != exp {
		t.Errorf("name = %q, expected %q", name, exp)
	}
}

func TestParseSegmentName(t *testing.T) {
	firstSeq, ts, err := parseSegmentName("0000000000001234-20230101T000000")
	if err != nil {
		t.Fatal(err)
	}
	if e := uint64(0x1234); firstSeq != e {
		t.Errorf("firstSeq = %v, expected %v", firstSeq, e)
	}
	if e := uint32(1672531200); ts != e {
		t.Errorf("ts = %v, expected %v", ts, e)
	}

	for _, bad := range []string{"", "123", "zz-20230101T000000", "12-garbage"} {
		if _, _, err := parseSegmentName(bad); err == nil {
			t.Errorf("parseSegmentName(%q) unexpectedly succeeded", bad)
		}
	}
}

func appendTestRecord(b []byte, payload string) []byte {
	b = binary.AppendUvarint(b, uint64(len(payload)))
	b = append(b, payload...)
	return binary.LittleEndian.AppendUint64(b, xxhash.Sum64([]byte(payload)))
}

func TestScanRecords(t *testing.T) {
	var data []byte
	data = appendTestRecord(data, "alpha")
	data = appendTestRecord(data, "beta")
	data = appendTestRecord(data, "gamma")

	var got []string
	n, off, err := scanRecords(data, func(payload []byte) error {
		got = append(got, string(payload))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || off != int64(len(data)) {
		t.Errorf("n/off = %d/%d, expected 3/%d", n, off, len(data))
	}
	if len(got) != 3 || got[0] != "alpha" || got[1] != "beta" || got[2] != "gamma" {
		t.Errorf("payloads = %q", got)
	}
}

func TestScanRecords_truncated(t *testing.T) {
	var data []byte
	data = appendTestRecord(data, "alpha")
	whole := int64(len(data))
	data = appendTestRecord(data, "beta")

	for cut := whole + 1; cut < int64(len(data)); cut++ {
		n, off, err := scanRecords(data[:cut], nil)
		if err != errInvalidRecord {
			t.Fatalf("cut %d: err = %v, expected errInvalidRecord", cut, err)
		}
		if n != 1 || off != whole {
			t.Errorf("cut %d: n/off = %d/%d, expected 1/%d", cut, n, off, whole)
		}
	}
}

func TestScanRecords_badChecksum(t *testing.T) {
	var data []byte
	data = appendTestRecord(data, "alpha")
	data[2] ^= 0x01

	n, off, err := scanRecords(data, nil)
	if err != errInvalidRecord {
		t.Fatalf("err = %v, expected errInvalidRecord", err)
	}
	if n != 0 || off != 0 {
		t.Errorf("n/off = %d/%d, expected 0/0", n, off)
	}
}

func TestScanRecords_zeroSize(t *testing.T) {
	data := []byte{0}
	if _, _, err := scanRecords(data, nil); err != errInvalidRecord {
		t.Fatalf("err = %v, expected errInvalidRecord", err)
	}
}

func TestSegmentHeaderRoundtrip(t *testing.T) {
	var invariant [32]byte
	copy(invariant[:], "it's turtles all the way down")

	var buf [segmentHeaderSize]byte
	fillSegmentHeader(buf[:], 42, 1672531200, invariant)

	j := &Journal{invariant: invariant}
	var h segmentHeader
	err := j.checkHeader(&h, buf[:], &segmentInfo{firstSeq: 42})
	if err != nil {
		t.Fatal(err)
	}
	if h.FirstSeq != 42 || h.Timestamp != 1672531200 {
		t.Errorf("header = %+v", h)
	}

	if err := j.checkHeader(&h, buf[:], &segmentInfo{firstSeq: 43}); err != errCorruptedFile {
		t.Errorf("mismatched first seq: err = %v, expected errCorruptedFile", err)
	}

	buf[3] ^= 0x01
	if err := j.checkHeader(&h, buf[:], &segmentInfo{firstSeq: 42}); err != errCorruptedFile {
		t.Errorf("damaged header: err = %v, expected errCorruptedFile", err)
	}
}
