package demo

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// TimeBase selects how playback advances. Positive values are a fixed frame
// rate; RealTime follows the wall clock; Stopped freezes playback until Step.
type TimeBase float64

const (
	RealTime TimeBase = 0
	Stopped  TimeBase = -1
)

func (b TimeBase) String() string {
	switch {
	case b == RealTime:
		return "real-time"
	case b < 0:
		return "stopped"
	default:
		return fmt.Sprintf("%gfps", float64(b))
	}
}

// ErrNotPlaying is returned by playback calls when no stream is open.
var ErrNotPlaying = errors.New("demo: not playing")

// Channel owns at most one recording or one playback stream. Record is safe
// to call from the tick context; it only queues. Every other method belongs
// to the main context.
type Channel struct {
	mu      sync.Mutex
	store   Store
	version Header
	quantum time.Duration

	recCloser io.WriteCloser
	recWriter *Writer
	recName   string
	queue     []Record

	playCloser io.ReadCloser
	playReader *Reader
	playName   string
	lookahead  *Record
	baseTick   uint64
	finished   bool
	timeBase   TimeBase
	factor     float64
	demoTime   time.Duration
	lastNow    time.Time
}

// NewChannel builds a channel that tags recordings with version and paces
// playback in multiples of quantum.
func NewChannel(store Store, version Header, quantum time.Duration) *Channel {
	if quantum <= 0 {
		quantum = 50 * time.Millisecond
	}
	return &Channel{store: store, version: version, quantum: quantum, factor: 1}
}

// StartRecord stops any playback or earlier recording and opens a new stream.
func (c *Channel) StartRecord(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopPlayLocked()
	if err := c.stopRecordLocked(); err != nil {
		return err
	}
	if c.store == nil {
		return fmt.Errorf("demo: no store configured")
	}
	stream, err := c.store.Create(name)
	if err != nil {
		return fmt.Errorf("demo: create %s: %w", name, err)
	}
	writer, err := NewWriter(stream, c.version)
	if err != nil {
		stream.Close()
		return err
	}
	c.recCloser = stream
	c.recWriter = writer
	c.recName = name
	c.queue = nil
	return nil
}

// Record queues one frame for the next Flush. It is a no-op while not
// recording.
func (c *Channel) Record(tick uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recWriter == nil {
		return
	}
	c.queue = append(c.queue, Record{Tick: tick, Data: append([]byte(nil), data...)})
}

// Flush writes queued frames to the recording stream. A write failure stops
// the recording and is returned.
func (c *Channel) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *Channel) flushLocked() error {
	if c.recWriter == nil {
		c.queue = nil
		return nil
	}
	queued := c.queue
	c.queue = nil
	for _, record := range queued {
		if err := c.recWriter.WriteRecord(record); err != nil {
			c.recCloser.Close()
			c.recCloser, c.recWriter, c.recName = nil, nil, ""
			return fmt.Errorf("demo: write tick %d: %w", record.Tick, err)
		}
	}
	return nil
}

// StopRecord flushes and closes the recording. Calling it while not
// recording is a no-op.
func (c *Channel) StopRecord() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRecordLocked()
}

func (c *Channel) stopRecordLocked() error {
	if c.recWriter == nil {
		return nil
	}
	flushErr := c.flushLocked()
	if c.recCloser == nil {
		return flushErr
	}
	closeErr := c.recCloser.Close()
	c.recCloser, c.recWriter, c.recName = nil, nil, ""
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Recording reports the active recording name.
func (c *Channel) Recording() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recName, c.recWriter != nil
}

// RecordedFrames counts frames written to the active recording.
func (c *Channel) RecordedFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recWriter == nil {
		return 0
	}
	return c.recWriter.Frames()
}

// StartPlay stops any recording or earlier playback, opens name and checks
// that the recorded version is readable by this engine.
func (c *Channel) StartPlay(name string) (Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.stopRecordLocked(); err != nil {
		return Header{}, err
	}
	c.stopPlayLocked()
	if c.store == nil {
		return Header{}, fmt.Errorf("demo: no store configured")
	}
	stream, err := c.store.Open(name)
	if err != nil {
		return Header{}, fmt.Errorf("demo: open %s: %w", name, err)
	}
	reader, err := NewReader(stream)
	if err != nil {
		stream.Close()
		return Header{}, fmt.Errorf("demo: read %s: %w", name, err)
	}
	recorded := reader.Header()
	if !recorded.Compatible(c.version.Major, c.version.Minor) {
		stream.Close()
		return recorded, fmt.Errorf("%w: recorded %s, running %d.%d", ErrIncompatibleDemoVersion, recorded, c.version.Major, c.version.Minor)
	}

	c.playCloser = stream
	c.playReader = reader
	c.playName = name
	c.finished = false
	c.demoTime = 0
	c.lastNow = time.Time{}
	c.lookahead = nil
	if err := c.fillLocked(); err != nil {
		c.stopPlayLocked()
		return recorded, err
	}
	if c.lookahead != nil {
		c.baseTick = c.lookahead.Tick
	}
	return recorded, nil
}

// StopPlay closes the playback stream. The finished flag is left as is.
func (c *Channel) StopPlay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopPlayLocked()
}

func (c *Channel) stopPlayLocked() {
	if c.playCloser != nil {
		c.playCloser.Close()
	}
	c.playCloser, c.playReader, c.playName, c.lookahead = nil, nil, "", nil
}

// Playing reports the active playback name.
func (c *Channel) Playing() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playName, c.playReader != nil
}

// IsFinished latches once the stream is exhausted and clears only on the
// next StartPlay.
func (c *Channel) IsFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

func (c *Channel) SetSyncRate(base TimeBase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if base < 0 {
		base = Stopped
	}
	c.timeBase = base
	c.lastNow = time.Time{}
}

func (c *Channel) SyncRate() TimeBase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeBase
}

// SetRealTimeFactor scales real-time and fixed-rate playback. Non-positive
// factors are ignored.
func (c *Channel) SetRealTimeFactor(factor float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if factor > 0 {
		c.factor = factor
	}
}

func (c *Channel) RealTimeFactor() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.factor
}

// Step returns the next frame regardless of the time base and moves the
// playback clock to it. ok is false once the stream is exhausted.
func (c *Channel) Step() (Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playReader == nil {
		return Record{}, false, ErrNotPlaying
	}
	if c.lookahead == nil {
		c.finished = true
		return Record{}, false, nil
	}
	record := *c.lookahead
	c.lookahead = nil
	if offset := c.offsetLocked(record.Tick); offset > c.demoTime {
		c.demoTime = offset
	}
	if err := c.fillLocked(); err != nil {
		return record, true, err
	}
	if c.lookahead == nil {
		c.finished = true
	}
	return record, true, nil
}

// Due advances the playback clock by the time base and returns every frame
// that has become due, in stream order. With Stopped nothing is returned.
func (c *Channel) Due(now time.Time) ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playReader == nil {
		return nil, ErrNotPlaying
	}
	c.advanceLocked(now)
	if c.timeBase < 0 {
		return nil, nil
	}

	var due []Record
	for c.lookahead != nil && c.offsetLocked(c.lookahead.Tick) <= c.demoTime {
		due = append(due, *c.lookahead)
		c.lookahead = nil
		if err := c.fillLocked(); err != nil {
			return due, err
		}
	}
	if c.lookahead == nil {
		c.finished = true
	}
	return due, nil
}

// Skip moves the wall-clock reference to now without advancing playback,
// so time spent paused is not replayed.
func (c *Channel) Skip(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastNow = now
}

func (c *Channel) advanceLocked(now time.Time) {
	switch {
	case c.timeBase < 0:
		c.lastNow = now
	case c.timeBase == RealTime:
		if !c.lastNow.IsZero() && now.After(c.lastNow) {
			c.demoTime += time.Duration(float64(now.Sub(c.lastNow)) * c.factor)
		}
		c.lastNow = now
	default:
		c.demoTime += time.Duration(float64(time.Second) / float64(c.timeBase) * c.factor)
		c.lastNow = now
	}
}

func (c *Channel) offsetLocked(tick uint64) time.Duration {
	if tick < c.baseTick {
		return 0
	}
	return time.Duration(tick-c.baseTick) * c.quantum
}

func (c *Channel) fillLocked() error {
	record, err := c.playReader.ReadRecord()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		c.finished = true
		return fmt.Errorf("demo: read %s: %w", c.playName, err)
	}
	c.lookahead = &record
	return nil
}

// Close stops both directions.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopPlayLocked()
	return c.stopRecordLocked()
}
