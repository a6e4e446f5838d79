// Package origin produces signed state samples: a Source supplies the
// observed state, and an Emitter stamps, signs and sends it at a fixed rate.
package origin

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/predictive-relay/model"
)

// ErrSourceUnavailable is returned when a Source cannot produce a state for
// the requested time. The emitter skips that sample.
var ErrSourceUnavailable = errors.New("source unavailable")

// Source yields the state observed at t.
type Source interface {
	StateAt(t time.Time) (model.State, error)
}

// Telemetry keys reported by OrbitalSource.
const (
	TelemetryAltitudeKm   = "altitude_km"
	TelemetryLatitudeDeg  = "latitude_deg"
	TelemetryLongitudeDeg = "longitude_deg"
	TelemetrySpeedKmS     = "speed_km_s"
)

// OrbitalSource propagates a two-line element set with SGP4. Position is
// ECEF in metres.
type OrbitalSource struct {
	sat   satellite.Satellite
	epoch time.Time
	// offset is added to wall time before propagation so a stale TLE can be
	// replayed from its epoch.
	offset time.Duration
}

// NewOrbitalSource parses line1 and line2. Checksums are not enforced.
func NewOrbitalSource(line1, line2 string) (*OrbitalSource, error) {
	epoch, err := parseTLE(line1, line2)
	if err != nil {
		return nil, err
	}
	return &OrbitalSource{
		sat:   satellite.TLEToSat(line1, line2, satellite.GravityWGS72),
		epoch: epoch,
	}, nil
}

// Epoch returns the element set epoch.
func (s *OrbitalSource) Epoch() time.Time { return s.epoch }

// ReplayFrom shifts propagation so that wall time start maps to the TLE
// epoch.
func (s *OrbitalSource) ReplayFrom(start time.Time) {
	s.offset = s.epoch.Sub(start)
}

// StateAt propagates to t (plus any replay offset).
func (s *OrbitalSource) StateAt(t time.Time) (model.State, error) {
	at := t.Add(s.offset).UTC()
	year, month, day := at.Date()
	hour, min, sec := at.Clock()

	posECI, velECI := satellite.Propagate(s.sat, year, int(month), day, hour, min, sec)
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	gmst := satellite.ThetaG_JD(jd)
	posECEF := satellite.ECIToECEF(posECI, gmst)
	altitude, _, latLong := satellite.ECIToLLA(posECI, gmst)

	const kmToM = 1000.0
	state := model.State{
		Position: model.Vec3{
			X: posECEF.X * kmToM,
			Y: posECEF.Y * kmToM,
			Z: posECEF.Z * kmToM,
		},
		Telemetry: map[string]float64{
			TelemetryAltitudeKm:   altitude,
			TelemetryLatitudeDeg:  latLong.Latitude * 180 / math.Pi,
			TelemetryLongitudeDeg: math.Remainder(latLong.Longitude*180/math.Pi, 360),
			TelemetrySpeedKmS:     math.Sqrt(velECI.X*velECI.X + velECI.Y*velECI.Y + velECI.Z*velECI.Z),
		},
	}
	if !state.IsFinite() {
		return model.State{}, fmt.Errorf("%w: propagation to %s diverged", ErrSourceUnavailable, at.Format(time.RFC3339))
	}
	return state, nil
}

// parseTLE checks the line layout and returns the epoch.
func parseTLE(line1, line2 string) (time.Time, error) {
	line1, line2 = strings.TrimRight(line1, " \r\n"), strings.TrimRight(line2, " \r\n")
	if len(line1) < 69 || len(line2) < 69 {
		return time.Time{}, fmt.Errorf("tle: lines must be 69 characters")
	}
	if !strings.HasPrefix(line1, "1 ") || !strings.HasPrefix(line2, "2 ") {
		return time.Time{}, fmt.Errorf("tle: bad line numbers")
	}
	if line1[2:7] != line2[2:7] {
		return time.Time{}, fmt.Errorf("tle: catalog numbers differ (%s, %s)", line1[2:7], line2[2:7])
	}

	yy, err := strconv.Atoi(strings.TrimSpace(line1[18:20]))
	if err != nil {
		return time.Time{}, fmt.Errorf("tle: epoch year: %w", err)
	}
	days, err := strconv.ParseFloat(strings.TrimSpace(line1[20:32]), 64)
	if err != nil || days < 1 || days >= 367 {
		return time.Time{}, fmt.Errorf("tle: epoch day %q", line1[20:32])
	}
	year := 2000 + yy
	if yy >= 57 {
		year = 1900 + yy
	}
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	return start.Add(time.Duration((days - 1) * float64(24*time.Hour))), nil
}

// LinearSource moves at constant velocity from Start. Telemetry carries the
// elapsed seconds and a counter that grows by one per second.
type LinearSource struct {
	Start    time.Time
	Origin   model.Vec3
	Velocity model.Vec3 // per second
}

// StateAt returns the position at t.
func (s LinearSource) StateAt(t time.Time) (model.State, error) {
	dt := t.Sub(s.Start).Seconds()
	return model.State{
		Position: model.Vec3{
			X: s.Origin.X + s.Velocity.X*dt,
			Y: s.Origin.Y + s.Velocity.Y*dt,
			Z: s.Origin.Z + s.Velocity.Z*dt,
		},
		Telemetry: map[string]float64{
			"elapsed_s": dt,
			"counter":   math.Floor(dt),
		},
	}, nil
}

// NewSource builds the source named kind ("orbit" or "linear").
func NewSource(kind, tle1, tle2 string, start time.Time) (Source, error) {
	switch kind {
	case "orbit", "":
		src, err := NewOrbitalSource(tle1, tle2)
		if err != nil {
			return nil, err
		}
		src.ReplayFrom(start)
		return src, nil
	case "linear":
		return LinearSource{
			Start:    start,
			Origin:   model.Vec3{X: 7000e3},
			Velocity: model.Vec3{Y: 7.5e3},
		}, nil
	default:
		return nil, fmt.Errorf("unknown source %q", kind)
	}
}
