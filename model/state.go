package model

import (
	"math"
	"sort"
)

// Vec3 is a Cartesian vector. The orbital origin source reports ECI
// positions in kilometres.
type Vec3 struct {
	X, Y, Z float64
}

// Add returns v + other.
func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{X: v.X + other.X, Y: v.Y + other.Y, Z: v.Z + other.Z}
}

// Sub returns v - other.
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Scale returns v * k.
func (v Vec3) Scale(k float64) Vec3 {
	return Vec3{X: v.X * k, Y: v.Y * k, Z: v.Z * k}
}

// Norm returns the Euclidean norm of the vector.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// DistanceTo returns the straight-line distance between two points.
func (v Vec3) DistanceTo(other Vec3) float64 {
	return v.Sub(other).Norm()
}

// State is the structured payload carried by a sample: a position plus
// named scalar telemetry fields. The same type is used for rates of change
// (velocity estimates), where every field holds units per second.
type State struct {
	Position  Vec3
	Telemetry map[string]float64
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := State{Position: s.Position}
	if len(s.Telemetry) > 0 {
		out.Telemetry = make(map[string]float64, len(s.Telemetry))
		for k, v := range s.Telemetry {
			out.Telemetry[k] = v
		}
	}
	return out
}

// TelemetryKeys returns the telemetry field names in sorted order.
func (s State) TelemetryKeys() []string {
	keys := make([]string, 0, len(s.Telemetry))
	for k := range s.Telemetry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Add returns s + other. Telemetry fields missing from other are carried
// over unchanged.
func (s State) Add(other State) State {
	out := s.Clone()
	out.Position = s.Position.Add(other.Position)
	for k, v := range other.Telemetry {
		if _, ok := out.Telemetry[k]; ok {
			out.Telemetry[k] += v
		}
	}
	return out
}

// Sub returns s - other restricted to the telemetry fields both states share.
func (s State) Sub(other State) State {
	out := State{Position: s.Position.Sub(other.Position)}
	for k, v := range s.Telemetry {
		ov, ok := other.Telemetry[k]
		if !ok {
			continue
		}
		if out.Telemetry == nil {
			out.Telemetry = make(map[string]float64)
		}
		out.Telemetry[k] = v - ov
	}
	return out
}

// Scale multiplies every component of s by k.
func (s State) Scale(k float64) State {
	out := s.Clone()
	out.Position = s.Position.Scale(k)
	for key := range out.Telemetry {
		out.Telemetry[key] *= k
	}
	return out
}

// IsFinite reports whether every component is a finite number.
func (s State) IsFinite() bool {
	for _, v := range []float64{s.Position.X, s.Position.Y, s.Position.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	for _, v := range s.Telemetry {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
