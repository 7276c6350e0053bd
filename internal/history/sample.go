package history

// Vec2 is a planar vector in world units.
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

func lerpVec(a, b Vec2, t float64) Vec2 {
	return Vec2{X: lerp(a.X, b.X, t), Y: lerp(a.Y, b.Y, t)}
}

// Sample is one client-reported state observation.
type Sample struct {
	Tick      uint64  `json:"tick"`
	Timestamp int64   `json:"timestamp"`
	Position  Vec2    `json:"position"`
	Velocity  Vec2    `json:"velocity"`
	ViewAngle float64 `json:"viewAngle"`
	// Latency is the connection latency in milliseconds when the sample was captured.
	Latency int64 `json:"latency"`
}

// Interpolate blends a toward b by ratio, clamped to [0,1]. Tick and latency
// come from a; the timestamp is the blended instant.
func Interpolate(a, b Sample, ratio float64) Sample {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return Sample{
		Tick:      a.Tick,
		Timestamp: a.Timestamp + int64(float64(b.Timestamp-a.Timestamp)*ratio),
		Position:  lerpVec(a.Position, b.Position, ratio),
		Velocity:  lerpVec(a.Velocity, b.Velocity, ratio),
		ViewAngle: lerp(a.ViewAngle, b.ViewAngle, ratio),
		Latency:   a.Latency,
	}
}
