package journal

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// binary.Encode and binary.Decode exist only in Go 1.23+; this module is
// built with a Go 1.21 toolchain, so these helpers reproduce their exact
// contract on top of binary.Write/binary.Read.

func binaryDecode(buf []byte, order binary.ByteOrder, data any) (int, error) {
	size := binary.Size(data)
	if size < 0 {
		return 0, errors.New("binary.Decode: some values are not fixed-sized")
	}
	if len(buf) < size {
		return 0, errors.New("binary.Decode: buffer too small")
	}
	if err := binary.Read(bytes.NewReader(buf[:size]), order, data); err != nil {
		return 0, err
	}
	return size, nil
}

func binaryEncode(buf []byte, order binary.ByteOrder, data any) (int, error) {
	size := binary.Size(data)
	if size < 0 {
		return 0, errors.New("binary.Encode: some values are not fixed-sized")
	}
	if len(buf) < size {
		return 0, errors.New("binary.Encode: buffer too small")
	}
	if err := binary.Write(bytes.NewBuffer(buf[:0]), order, data); err != nil {
		return 0, err
	}
	return size, nil
}
