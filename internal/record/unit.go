package record

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Unit framing: count (uint8) + payload length (uint32) + count records.
const unitHeaderSize = 1 + 4

// AppendUnit encodes a unit of records as one frame.
func AppendUnit(buf []byte, unit []Record) ([]byte, error) {
	if len(unit) == 0 || len(unit) > 255 {
		return buf, fmt.Errorf("unit has %d records", len(unit))
	}
	start := len(buf)
	buf = append(buf, byte(len(unit)), 0, 0, 0, 0)
	var err error
	for i := range unit {
		buf, err = Append(buf, &unit[i])
		if err != nil {
			return buf[:start], fmt.Errorf("record %d: %w", i, err)
		}
	}
	binary.BigEndian.PutUint32(buf[start+1:], uint32(len(buf)-start-unitHeaderSize))
	return buf, nil
}

// UnitReader reads unit frames from a stream.
type UnitReader struct {
	r   *bufio.Reader
	buf []byte
}

// NewUnitReader wraps r.
func NewUnitReader(r io.Reader) *UnitReader {
	return &UnitReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next unit, or io.EOF at a clean end of stream.
func (u *UnitReader) Next() ([]Record, error) {
	var hdr [unitHeaderSize]byte
	if _, err := io.ReadFull(u.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read unit header: %w", err)
	}
	count := int(hdr[0])
	size := int(binary.BigEndian.Uint32(hdr[1:]))
	if cap(u.buf) < size {
		u.buf = make([]byte, size)
	}
	u.buf = u.buf[:size]
	if _, err := io.ReadFull(u.r, u.buf); err != nil {
		return nil, fmt.Errorf("read unit payload: %w", err)
	}

	unit := make([]Record, 0, count)
	data := u.buf
	for i := 0; i < count; i++ {
		rec, n, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		unit = append(unit, rec)
		data = data[n:]
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("unit has %d trailing bytes", len(data))
	}
	return unit, nil
}
