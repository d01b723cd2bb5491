package simulator

import (
	"math"
	"math/rand"

	"iot-sim-gateway/internal/data"
)

// Sample is one generated set of metrics. Fields are rounded for emission; Raw keeps
// the unrounded values that alert evaluation compares against.
type Sample struct {
	Fields map[string]float64
	Raw    map[string]float64
}

// Model produces the next sample of a device. Models hold loop-local state and are
// not safe for concurrent use.
type Model interface {
	Next() Sample
}

// Temperature model parameters.
const (
	tempBaseMin      = 68.0
	tempBaseSpan     = 8.0
	tempStdDev       = 2.0
	humidityMean     = 40.0
	humidityStdDev   = 5.0
	temperatureScale = 2 // decimal places
	humidityScale    = 1
)

// TemperatureModel draws temperature around a fixed per-device base.
type TemperatureModel struct {
	rng  *rand.Rand
	base float64
}

func NewTemperatureModel(rng *rand.Rand) *TemperatureModel {
	return &TemperatureModel{
		rng:  rng,
		base: tempBaseMin + rng.Float64()*tempBaseSpan,
	}
}

// Base returns the per-device base temperature chosen at construction.
func (m *TemperatureModel) Base() float64 {
	return m.base
}

func (m *TemperatureModel) Next() Sample {
	temp := m.base + m.rng.NormFloat64()*tempStdDev
	humidity := humidityMean + m.rng.NormFloat64()*humidityStdDev
	return Sample{
		Fields: map[string]float64{
			data.MetricTemperature: round(temp, temperatureScale),
			data.MetricHumidity:    round(humidity, humidityScale),
		},
		Raw: map[string]float64{
			data.MetricTemperature: temp,
			data.MetricHumidity:    humidity,
		},
	}
}

// GPS model parameters.
const (
	gpsStartLat     = 37.77
	gpsStartLon     = -122.42
	gpsStartJitter  = 0.02
	gpsStepJitter   = 0.0008
	gpsSpeedDrift   = 10000.0 // speed/gpsSpeedDrift is added to lat per tick
	gpsSpeedStartLo = 20.0
	gpsSpeedStartHi = 40.0
	gpsSpeedStep    = 3.0
	MinSpeed        = 0.0
	MaxSpeed        = 80.0
	coordScale      = 6
	speedScale      = 1
)

// GPSModel walks a position northwards at a drifting speed.
type GPSModel struct {
	rng   *rand.Rand
	lat   float64
	lon   float64
	speed float64
}

func NewGPSModel(rng *rand.Rand) *GPSModel {
	return &GPSModel{
		rng:   rng,
		lat:   gpsStartLat + uniform(rng, -gpsStartJitter, gpsStartJitter),
		lon:   gpsStartLon + uniform(rng, -gpsStartJitter, gpsStartJitter),
		speed: uniform(rng, gpsSpeedStartLo, gpsSpeedStartHi),
	}
}

// Speed returns the current running speed.
func (m *GPSModel) Speed() float64 {
	return m.speed
}

// Next moves the tracker, emits its position and the current speed, then lets
// the speed drift for the following tick.
func (m *GPSModel) Next() Sample {
	m.lat += uniform(m.rng, -gpsStepJitter, gpsStepJitter) + m.speed/gpsSpeedDrift
	m.lon += uniform(m.rng, -gpsStepJitter, gpsStepJitter)

	s := Sample{
		Fields: map[string]float64{
			data.MetricLat:   round(m.lat, coordScale),
			data.MetricLon:   round(m.lon, coordScale),
			data.MetricSpeed: round(m.speed, speedScale),
		},
		Raw: map[string]float64{
			data.MetricLat:   m.lat,
			data.MetricLon:   m.lon,
			data.MetricSpeed: m.speed,
		},
	}

	m.speed = clampSpeed(m.speed + uniform(m.rng, -gpsSpeedStep, gpsSpeedStep))
	return s
}

func clampSpeed(v float64) float64 {
	return math.Max(MinSpeed, math.Min(MaxSpeed, v))
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
