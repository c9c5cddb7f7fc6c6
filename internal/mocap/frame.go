// Package mocap defines the motion-capture data model shared by the
// broadcaster and the listener: frames, subjects, segments and markers, plus
// the newline-delimited JSON wire encoding that carries them between the two.
package mocap

import "encoding/json"

// Position is a 3D translation in millimeters. Occluded means the capture
// system could not compute a trustworthy value for this instant and the
// coordinates must not be used for localisation.
type Position struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Occluded bool    `json:"occluded"`
}

// Quaternion is a rotation in quaternion form.
type Quaternion struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	W        float64 `json:"w"`
	Occluded bool    `json:"occluded"`
}

// EulerXYZ is the same rotation expressed as XYZ Euler angles in degrees.
// Carried alongside the quaternion for consumers that prefer angles.
type EulerXYZ struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Occluded bool    `json:"occluded"`
}

// Point is a bare 3D coordinate without an occlusion flag. Markers carry the
// occlusion flag at the marker level rather than inside the coordinate block.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Segment is a named rigid sub-part of a Subject.
type Segment struct {
	Name        string     `json:"name"`
	Position    Position   `json:"position"`
	Orientation Quaternion `json:"orientation"`
	EulerXYZ    EulerXYZ   `json:"euler_xyz"`
}

// Marker is a single labeled tracked point. ParentSegment references a
// segment by name; the referenced segment may be absent from a pose-mode
// message, so the reference is informational rather than structural.
type Marker struct {
	Name          string `json:"name"`
	ParentSegment string `json:"parent_segment"`
	Position      Point  `json:"position"`
	Occluded      bool   `json:"occluded"`
}

// UnlabeledMarker is a tracked point the capture system could not associate
// with any subject. TrajectoryID is stable only while the point stays in view.
type UnlabeledMarker struct {
	TrajectoryID int   `json:"trajectory_id"`
	Position     Point `json:"position"`
}

// Subject is one tracked rigid body. Name is unique within a frame and is the
// only identity a subject carries across frames.
type Subject struct {
	Name     string
	Quality  *float64 // 0..1, nil when the source does not report it
	Segments []Segment
	Markers  []Marker
}

// Frame is one capture instant as polled from a FrameSource. Frames are
// created fresh each poll cycle and exist only long enough to be serialized
// and broadcast.
type Frame struct {
	FrameNumber      int64
	Timestamp        float64 // capture time, UNIX seconds
	LatencyMS        float64 // source processing delay, informational
	Subjects         []Subject
	UnlabeledMarkers []UnlabeledMarker

	// Cameras holds per-camera centroid metadata as opaque blocks. The
	// broadcaster passes them through unmodified when camera data is enabled.
	Cameras []json.RawMessage
}
