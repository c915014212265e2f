package demo

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

func recordFrames(t *testing.T, channel *Channel, name string, frames []string) {
	t.Helper()
	if err := channel.StartRecord(name); err != nil {
		t.Fatalf("start record: %v", err)
	}
	for i, frame := range frames {
		channel.Record(uint64(i+1), []byte(frame))
	}
	if err := channel.StopRecord(); err != nil {
		t.Fatalf("stop record: %v", err)
	}
}

func TestRoundTripWithStoppedTimeBase(t *testing.T) {
	store := NewMemoryStore()
	channel := NewChannel(store, Header{Major: 1, Minor: 4, Window: 2}, 50*time.Millisecond)
	frames := []string{"alpha", "beta", "", "delta", "epsilon"}
	recordFrames(t, channel, "match", frames)

	if _, err := channel.StartPlay("match"); err != nil {
		t.Fatalf("start play: %v", err)
	}
	channel.SetSyncRate(Stopped)

	due, err := channel.Due(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected stopped time base to release nothing, got %d frames", len(due))
	}

	var got []string
	var ticks []uint64
	for {
		record, ok, err := channel.Step()
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, string(record.Data))
		ticks = append(ticks, record.Tick)
	}
	if len(got) != len(frames) {
		t.Fatalf("expected %d frames, got %d", len(frames), len(got))
	}
	for i := range frames {
		if got[i] != frames[i] {
			t.Fatalf("frame %d: expected %q, got %q", i, frames[i], got[i])
		}
		if ticks[i] != uint64(i+1) {
			t.Fatalf("frame %d: expected tick %d, got %d", i, i+1, ticks[i])
		}
	}
	if !channel.IsFinished() {
		t.Fatalf("expected finished after exhausting the stream")
	}
	channel.StopPlay()
	if !channel.IsFinished() {
		t.Fatalf("expected finished to stay latched until restart")
	}
	if _, err := channel.StartPlay("match"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if channel.IsFinished() {
		t.Fatalf("expected restart to clear finished")
	}
}

func TestStartRecordStopsPlayback(t *testing.T) {
	store := NewMemoryStore()
	channel := NewChannel(store, Header{Major: 1, Minor: 0}, 50*time.Millisecond)
	recordFrames(t, channel, "first", []string{"a", "b"})

	if _, err := channel.StartPlay("first"); err != nil {
		t.Fatalf("start play: %v", err)
	}
	if err := channel.StartRecord("second"); err != nil {
		t.Fatalf("start record: %v", err)
	}
	if _, playing := channel.Playing(); playing {
		t.Fatalf("expected recording to stop playback")
	}
	if _, recording := channel.Recording(); !recording {
		t.Fatalf("expected recording to be active")
	}

	if _, err := channel.StartPlay("first"); err != nil {
		t.Fatalf("start play: %v", err)
	}
	if _, recording := channel.Recording(); recording {
		t.Fatalf("expected playback to stop recording")
	}
	if _, ok := store.Bytes("second"); !ok {
		t.Fatalf("expected stopped recording to be committed")
	}
}

func TestVersionCompatibilityWindow(t *testing.T) {
	store := NewMemoryStore()
	recorder := NewChannel(store, Header{Major: 2, Minor: 10, Window: 3}, 50*time.Millisecond)
	recordFrames(t, recorder, "old", []string{"x"})

	tests := []struct {
		name    string
		running Header
		wantErr bool
	}{
		{name: "same", running: Header{Major: 2, Minor: 10}},
		{name: "next minor", running: Header{Major: 2, Minor: 11}},
		{name: "older minor", running: Header{Major: 2, Minor: 7}},
		{name: "far minor", running: Header{Major: 2, Minor: 110}, wantErr: true},
		{name: "other major", running: Header{Major: 3, Minor: 10}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			player := NewChannel(store, tt.running, 50*time.Millisecond)
			_, err := player.StartPlay("old")
			if tt.wantErr {
				if !errors.Is(err, ErrIncompatibleDemoVersion) {
					t.Fatalf("expected ErrIncompatibleDemoVersion, got %v", err)
				}
				if _, playing := player.Playing(); playing {
					t.Fatalf("expected failed start to leave playback idle")
				}
				return
			}
			if err != nil {
				t.Fatalf("expected compatible playback, got %v", err)
			}
		})
	}
}

func TestRealTimePacing(t *testing.T) {
	store := NewMemoryStore()
	channel := NewChannel(store, Header{Major: 1}, 100*time.Millisecond)
	recordFrames(t, channel, "paced", []string{"0", "1", "2", "3"})
	if _, err := channel.StartPlay("paced"); err != nil {
		t.Fatalf("start play: %v", err)
	}

	start := time.Unix(1000, 0)
	due, _ := channel.Due(start)
	if len(due) != 1 {
		t.Fatalf("expected the first frame immediately, got %d", len(due))
	}
	due, _ = channel.Due(start.Add(150 * time.Millisecond))
	if len(due) != 1 || string(due[0].Data) != "1" {
		t.Fatalf("expected frame 1 after 150ms, got %v", due)
	}

	channel.SetRealTimeFactor(2)
	due, _ = channel.Due(start.Add(250 * time.Millisecond))
	if len(due) != 2 {
		t.Fatalf("expected double speed to release two frames, got %d", len(due))
	}
	if !channel.IsFinished() {
		t.Fatalf("expected finished after last frame")
	}
}

func TestFixedRatePacingIgnoresWallClock(t *testing.T) {
	store := NewMemoryStore()
	channel := NewChannel(store, Header{Major: 1}, 100*time.Millisecond)
	recordFrames(t, channel, "fps", []string{"0", "1", "2"})
	if _, err := channel.StartPlay("fps"); err != nil {
		t.Fatalf("start play: %v", err)
	}
	channel.SetSyncRate(10)

	now := time.Unix(0, 0)
	var released int
	for i := 0; i < 3; i++ {
		due, err := channel.Due(now)
		if err != nil {
			t.Fatalf("due: %v", err)
		}
		released += len(due)
	}
	if released != 3 {
		t.Fatalf("expected three pump calls at 10fps to release three frames, got %d", released)
	}
}

func TestStreamCodecRejectsTruncation(t *testing.T) {
	var buf bytes.Buffer
	writer, err := NewWriter(&buf, Header{Major: 1, Minor: 2, Window: 1})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := writer.WriteRecord(Record{Tick: 7, Data: []byte("payload")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	data := buf.Bytes()

	reader, err := NewReader(bytes.NewReader(data[:len(data)-2]))
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	if reader.Header().Minor != 2 {
		t.Fatalf("expected minor 2, got %d", reader.Header().Minor)
	}
	if _, err := reader.ReadRecord(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}

	if _, err := NewReader(bytes.NewReader([]byte("NOPE0000000000000"))); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected bad magic, got %v", err)
	}
}
