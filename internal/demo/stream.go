// Package demo records per-tick frames to a persisted stream and plays them
// back on a time base independent of the tick driver.
package demo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic opens every demo and save stream.
	Magic = "LSDM"

	HeaderLen = 16
	recordLen = 12

	// MaxRecordBytes bounds a single record so a corrupt length can't
	// allocate unbounded memory.
	MaxRecordBytes = 8 << 20
)

var (
	ErrBadMagic                = errors.New("demo: bad stream magic")
	ErrRecordTooLarge          = errors.New("demo: record too large")
	ErrIncompatibleDemoVersion = errors.New("demo: incompatible demo version")
)

// Header tags a stream with the engine version that produced it and the
// minor-version window within which other engines may read it.
type Header struct {
	Major  uint32
	Minor  uint32
	Window uint32
}

// Compatible reports whether an engine at major.minor can play a stream
// carrying h.
func (h Header) Compatible(major, minor uint32) bool {
	if h.Major != major {
		return false
	}
	diff := int64(minor) - int64(h.Minor)
	if diff < 0 {
		diff = -diff
	}
	return diff <= int64(h.Window)
}

func (h Header) String() string {
	return fmt.Sprintf("%d.%d (window %d)", h.Major, h.Minor, h.Window)
}

// Record is one tick's frame bytes.
type Record struct {
	Tick uint64
	Data []byte
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	copy(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], h.Major)
	binary.BigEndian.PutUint32(buf[8:12], h.Minor)
	binary.BigEndian.PutUint32(buf[12:16], h.Window)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("demo: invalid header length: %d", len(b))
	}
	if string(b[0:4]) != Magic {
		return Header{}, ErrBadMagic
	}
	return Header{
		Major:  binary.BigEndian.Uint32(b[4:8]),
		Minor:  binary.BigEndian.Uint32(b[8:12]),
		Window: binary.BigEndian.Uint32(b[12:16]),
	}, nil
}

// Writer appends records to a stream after its header.
type Writer struct {
	w      io.Writer
	frames int
}

// NewWriter writes h to w and returns a writer for the records that follow.
func NewWriter(w io.Writer, h Header) (*Writer, error) {
	if _, err := w.Write(EncodeHeader(h)); err != nil {
		return nil, fmt.Errorf("demo: write header: %w", err)
	}
	return &Writer{w: w}, nil
}

func (w *Writer) WriteRecord(r Record) error {
	if len(r.Data) > MaxRecordBytes {
		return ErrRecordTooLarge
	}
	var prefix [recordLen]byte
	binary.BigEndian.PutUint64(prefix[0:8], r.Tick)
	binary.BigEndian.PutUint32(prefix[8:12], uint32(len(r.Data)))
	if _, err := w.w.Write(prefix[:]); err != nil {
		return err
	}
	if len(r.Data) > 0 {
		if _, err := w.w.Write(r.Data); err != nil {
			return err
		}
	}
	w.frames++
	return nil
}

// Frames counts the records written so far.
func (w *Writer) Frames() int {
	return w.frames
}

// Reader yields records from a stream whose header has been validated.
type Reader struct {
	r      io.Reader
	header Header
}

// NewReader consumes and validates the stream header.
func NewReader(r io.Reader) (*Reader, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrBadMagic
		}
		return nil, err
	}
	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return nil, err
	}
	return &Reader{r: r, header: h}, nil
}

func (r *Reader) Header() Header {
	return r.header
}

// ReadRecord returns io.EOF at a clean end of stream and
// io.ErrUnexpectedEOF when a record is truncated.
func (r *Reader) ReadRecord() (Record, error) {
	var prefix [recordLen]byte
	if _, err := io.ReadFull(r.r, prefix[:]); err != nil {
		return Record{}, err
	}
	size := binary.BigEndian.Uint32(prefix[8:12])
	if size > MaxRecordBytes {
		return Record{}, ErrRecordTooLarge
	}
	data := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r.r, data); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Record{}, err
		}
	}
	return Record{Tick: binary.BigEndian.Uint64(prefix[0:8]), Data: data}, nil
}
