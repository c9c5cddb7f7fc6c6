package mocap

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message is the canonical wire form of one frame. Each message is encoded as
// a single line of UTF-8 JSON terminated by '\n'; a receiver buffers until it
// sees the newline.
type Message struct {
	Timestamp        float64           `json:"timestamp"`
	FrameNumber      int64             `json:"frame_number"`
	LatencyMS        float64           `json:"latency_ms"`
	SubjectCount     int               `json:"subject_count"`
	Subjects         []SubjectMessage  `json:"subjects"`
	UnlabeledMarkers []UnlabeledMarker `json:"unlabeled_markers,omitempty"`
	Cameras          []json.RawMessage `json:"cameras,omitempty"`
}

// SubjectMessage is the wire form of one subject. Quality and Markers are
// present only in "all" mode.
type SubjectMessage struct {
	Name     string    `json:"name"`
	Quality  *float64  `json:"quality,omitempty"`
	Segments []Segment `json:"segments"`
	Markers  []Marker  `json:"markers,omitempty"`
}

// DecodeMessage parses one complete wire line (without requiring the trailing
// newline) into a Message. A failure here means the line is malformed and
// should be skipped by the receiver; it is never a reason to drop the
// connection.
func DecodeMessage(line []byte) (*Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &m, nil
}

// Frame converts a decoded wire message back into a Frame. Used by replay
// sources and round-trip tests; the listener itself reads positions straight
// off the Message.
func (m *Message) Frame() *Frame {
	f := &Frame{
		FrameNumber:      m.FrameNumber,
		Timestamp:        m.Timestamp,
		LatencyMS:        m.LatencyMS,
		UnlabeledMarkers: m.UnlabeledMarkers,
		Cameras:          m.Cameras,
	}
	for _, s := range m.Subjects {
		f.Subjects = append(f.Subjects, Subject{
			Name:     s.Name,
			Quality:  s.Quality,
			Segments: s.Segments,
			Markers:  s.Markers,
		})
	}
	return f
}
