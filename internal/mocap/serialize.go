package mocap

import (
	"encoding/json"
	"fmt"
)

// Mode selects how much of a frame the serializer carries on the wire.
type Mode string

const (
	// ModePose carries segment positions and orientations only.
	ModePose Mode = "pose"
	// ModeAll additionally carries markers, unlabeled markers and quality.
	ModeAll Mode = "all"
)

// ParseMode validates a mode string from a flag or config file.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePose, ModeAll:
		return Mode(s), nil
	}
	return "", fmt.Errorf("invalid stream mode %q (valid: pose, all)", s)
}

// Serializer maps a polled Frame to its canonical wire message. It is pure
// and total: no frame content can make it fail. Occluded or missing values
// are encoded with their occlusion flags and zeroed coordinates rather than
// dropping the frame, so one bad marker never costs a whole capture instant.
type Serializer struct {
	Mode Mode

	// IncludeCameras passes camera-centroid blocks through when the frame
	// carries them. Off by default; the blocks are opaque to this package.
	IncludeCameras bool
}

// Message builds the wire message for f according to the serializer's mode.
// Subject and segment order is preserved from the frame.
func (s Serializer) Message(f *Frame) *Message {
	m := &Message{
		Timestamp:    f.Timestamp,
		FrameNumber:  f.FrameNumber,
		LatencyMS:    f.LatencyMS,
		SubjectCount: len(f.Subjects),
		Subjects:     make([]SubjectMessage, 0, len(f.Subjects)),
	}
	for _, subj := range f.Subjects {
		sm := SubjectMessage{
			Name: subj.Name,
			// Segments are never nil on the wire: an untracked subject still
			// appears with an empty list.
			Segments: subj.Segments,
		}
		if sm.Segments == nil {
			sm.Segments = []Segment{}
		}
		if s.Mode == ModeAll {
			sm.Quality = subj.Quality
			sm.Markers = subj.Markers
		}
		m.Subjects = append(m.Subjects, sm)
	}
	if s.Mode == ModeAll {
		m.UnlabeledMarkers = f.UnlabeledMarkers
	}
	if s.IncludeCameras {
		m.Cameras = f.Cameras
	}
	return m
}

// Marshal encodes f as one newline-terminated wire line.
func (s Serializer) Marshal(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("cannot marshal nil frame")
	}
	b, err := json.Marshal(s.Message(f))
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame %d: %w", f.FrameNumber, err)
	}
	return append(b, '\n'), nil
}
