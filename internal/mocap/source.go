package mocap

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"time"
)

// FrameSource yields one raw frame per poll. Implementations wrap whatever
// acquisition API actually produces the data; the broadcaster assumes nothing
// about them beyond a bounded per-call latency and honors ctx cancellation.
type FrameSource interface {
	Poll(ctx context.Context) (*Frame, error)
	Close() error
}

// SyntheticSource is a FrameSource that fabricates subjects moving on circles
// around the origin. It stands in for real capture hardware in dev mode and
// in tests.
type SyntheticSource struct {
	mu       sync.Mutex
	frameNum int64
	names    []string
	start    time.Time
	closed   bool
}

// NewSyntheticSource creates a source tracking the given subject names.
func NewSyntheticSource(names ...string) *SyntheticSource {
	if len(names) == 0 {
		names = []string{"TB10"}
	}
	return &SyntheticSource{names: names, start: time.Now()}
}

// Poll fabricates the next frame. Positions are in millimeters to match what
// real capture hardware reports.
func (s *SyntheticSource) Poll(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("synthetic source closed")
	}
	s.frameNum++
	t := time.Since(s.start).Seconds()

	f := &Frame{
		FrameNumber: s.frameNum,
		Timestamp:   float64(time.Now().UnixNano()) / 1e9,
		LatencyMS:   0.5,
	}
	for i, name := range s.names {
		// Each subject orbits at its own radius and phase.
		radius := 1000.0 * float64(i+1)
		angle := t + float64(i)*math.Pi/4
		quality := 1.0
		f.Subjects = append(f.Subjects, Subject{
			Name:    name,
			Quality: &quality,
			Segments: []Segment{{
				Name: name,
				Position: Position{
					X: radius * math.Cos(angle),
					Y: radius * math.Sin(angle),
					Z: 50,
				},
				Orientation: Quaternion{W: 1},
				EulerXYZ:    EulerXYZ{Z: angle * 180 / math.Pi},
			}},
			Markers: []Marker{{
				Name:          name + "_m1",
				ParentSegment: name,
				Position: Point{
					X: radius * math.Cos(angle),
					Y: radius * math.Sin(angle),
					Z: 80,
				},
			}},
		})
	}
	return f, nil
}

// Close marks the source closed; subsequent polls fail.
func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ReplaySource replays previously captured wire lines from a fixture file,
// one frame per poll, looping back to the start when the file is exhausted.
// Malformed lines in the fixture are skipped at load time.
type ReplaySource struct {
	mu     sync.Mutex
	frames []*Frame
	next   int
	closed bool
}

// NewReplaySource loads newline-delimited wire messages from path.
func NewReplaySource(path string) (*ReplaySource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixture file: %w", err)
	}
	defer file.Close()

	r := &ReplaySource{}
	scan := bufio.NewScanner(file)
	scan.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scan.Scan() {
		msg, err := DecodeMessage(scan.Bytes())
		if err != nil {
			continue
		}
		r.frames = append(r.frames, msg.Frame())
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("failed to read fixture file: %w", err)
	}
	if len(r.frames) == 0 {
		return nil, fmt.Errorf("fixture file %s contains no frames", path)
	}
	return r, nil
}

// Poll returns the next recorded frame with its frame number rewritten to
// stay monotonic across loop restarts.
func (r *ReplaySource) Poll(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("replay source closed")
	}
	src := r.frames[r.next%len(r.frames)]
	r.next++

	f := *src
	f.FrameNumber = int64(r.next)
	f.Timestamp = float64(time.Now().UnixNano()) / 1e9
	return &f, nil
}

// Close stops the replay; subsequent polls fail.
func (r *ReplaySource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
