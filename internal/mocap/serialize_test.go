package mocap

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func testFrame() *Frame {
	quality := 0.98
	return &Frame{
		FrameNumber: 42,
		Timestamp:   1700000000.25,
		LatencyMS:   1.5,
		Subjects: []Subject{
			{
				Name:    "TB10",
				Quality: &quality,
				Segments: []Segment{
					{
						Name:        "base",
						Position:    Position{X: 1200, Y: 500, Z: 0},
						Orientation: Quaternion{W: 1},
						EulerXYZ:    EulerXYZ{Z: 90},
					},
					{
						Name:     "arm",
						Position: Position{Occluded: true},
						Orientation: Quaternion{
							X: 0.5, Y: 0.5, Z: 0.5, W: 0.5, Occluded: true,
						},
						EulerXYZ: EulerXYZ{Occluded: true},
					},
				},
				Markers: []Marker{
					{Name: "m1", ParentSegment: "base", Position: Point{X: 10, Y: 20, Z: 30}},
					{Name: "m2", ParentSegment: "arm", Occluded: true},
				},
			},
			{Name: "REF1"},
		},
		UnlabeledMarkers: []UnlabeledMarker{
			{TrajectoryID: 7, Position: Point{X: -1, Y: -2, Z: -3}},
		},
		Cameras: []json.RawMessage{
			json.RawMessage(`{"name":"cam1","centroid_count":12}`),
		},
	}
}

func TestMarshalProducesSingleLine(t *testing.T) {
	s := Serializer{Mode: ModePose}
	line, err := s.Marshal(testFrame())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.HasSuffix(line, []byte("\n")) {
		t.Error("payload does not end with newline")
	}
	if bytes.Count(line, []byte("\n")) != 1 {
		t.Errorf("payload contains embedded newlines: %q", line)
	}
}

func TestMarshalNilFrame(t *testing.T) {
	s := Serializer{Mode: ModePose}
	if _, err := s.Marshal(nil); err == nil {
		t.Fatal("expected error for nil frame")
	}
}

func TestPoseModeOmitsMarkersAndQuality(t *testing.T) {
	s := Serializer{Mode: ModePose}
	msg := s.Message(testFrame())

	if msg.SubjectCount != 2 {
		t.Errorf("subject_count = %d, want 2", msg.SubjectCount)
	}
	for _, subj := range msg.Subjects {
		if subj.Markers != nil {
			t.Errorf("subject %s carries markers in pose mode", subj.Name)
		}
		if subj.Quality != nil {
			t.Errorf("subject %s carries quality in pose mode", subj.Name)
		}
	}
	if msg.UnlabeledMarkers != nil {
		t.Error("pose mode carries unlabeled markers")
	}
	if msg.Cameras != nil {
		t.Error("cameras present without IncludeCameras")
	}
	// Segments survive with order intact.
	if got := msg.Subjects[0].Segments[0].Name; got != "base" {
		t.Errorf("first segment = %q, want base", got)
	}
}

func TestAllModeCarriesEverything(t *testing.T) {
	s := Serializer{Mode: ModeAll, IncludeCameras: true}
	msg := s.Message(testFrame())

	subj := msg.Subjects[0]
	if subj.Quality == nil || *subj.Quality != 0.98 {
		t.Errorf("quality = %v, want 0.98", subj.Quality)
	}
	if len(subj.Markers) != 2 {
		t.Fatalf("markers = %d, want 2", len(subj.Markers))
	}
	if subj.Markers[1].ParentSegment != "arm" || !subj.Markers[1].Occluded {
		t.Errorf("marker 2 lost fields: %+v", subj.Markers[1])
	}
	if len(msg.UnlabeledMarkers) != 1 || msg.UnlabeledMarkers[0].TrajectoryID != 7 {
		t.Errorf("unlabeled markers lost: %+v", msg.UnlabeledMarkers)
	}
	if len(msg.Cameras) != 1 {
		t.Errorf("cameras = %d, want 1", len(msg.Cameras))
	}
}

func TestUntrackedSubjectEncodesEmptySegmentList(t *testing.T) {
	s := Serializer{Mode: ModePose}
	line, err := s.Marshal(&Frame{Subjects: []Subject{{Name: "ghost"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(line), `"segments":[]`) {
		t.Errorf("segments should encode as empty list, got %s", line)
	}
}

func TestRoundTripAllMode(t *testing.T) {
	s := Serializer{Mode: ModeAll, IncludeCameras: true}
	frame := testFrame()

	line, err := s.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := DecodeMessage(line)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if diff := cmp.Diff(s.Message(frame), msg, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	// And back to a frame: names, positions, orientations and occlusion
	// flags all survive.
	got := msg.Frame()
	if diff := cmp.Diff(frame.Subjects, got.Subjects, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("frame reconstruction mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeMessageMalformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"truncated", `{"timestamp": 1.0, "subjects": [`},
		{"not json", "hello world"},
		{"wrong types", `{"frame_number": "not-a-number"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeMessage([]byte(tt.line)); err == nil {
				t.Errorf("DecodeMessage(%q) succeeded, want error", tt.line)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	if _, err := ParseMode("pose"); err != nil {
		t.Errorf("pose rejected: %v", err)
	}
	if _, err := ParseMode("all"); err != nil {
		t.Errorf("all rejected: %v", err)
	}
	if _, err := ParseMode("everything"); err == nil {
		t.Error("invalid mode accepted")
	}
}
