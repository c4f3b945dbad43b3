// Package telemetry defines the normalized sample record and the
// sunrise time base monitors stamp their samples against.
package telemetry

import "time"

// TypeMon labels records produced from mesh monitor data indications.
const TypeMon = "mon"

// Record is one normalized sample: the currency of the handler
// pipeline and the unit inside every published batch. Field names
// follow the external BSON contract.
type Record struct {
	Type       string    `bson:"type"`
	MacAddr    string    `bson:"macaddr"`
	Freezetime time.Time `bson:"freezetime"`
	Localtime  time.Time `bson:"localtime"`
	RegStat    int       `bson:"reg_stat"`
	OpStat     int       `bson:"op_stat"`
	Vi         float64   `bson:"Vi"`
	Vo         float64   `bson:"Vo"`
	Ii         float64   `bson:"Ii"`
	Io         float64   `bson:"Io"`
	Pi         float64   `bson:"Pi"`
	Po         float64   `bson:"Po"`
}

// MaxSunriseSeconds is the largest offset the sample timestamp field
// can carry.
const MaxSunriseSeconds = 0xFFFE

// Sunrise returns the telemetry time base for the day containing now:
// fixed 06:00 UTC. Geographic sunrise from site coordinates is a
// future extension.
func Sunrise(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 6, 0, 0, 0, time.UTC)
}

// Freezetime converts a seconds-since-sunrise offset to wall time.
func Freezetime(sunrise time.Time, seconds uint16) time.Time {
	return sunrise.Add(time.Duration(seconds) * time.Second)
}

// SecondsSinceSunrise inverts Freezetime with a one-sided clamp at
// MaxSunriseSeconds. Times before sunrise come back negative; callers
// log those.
func SecondsSinceSunrise(t, sunrise time.Time) int {
	s := int(t.Sub(sunrise) / time.Second)
	if s > MaxSunriseSeconds {
		return MaxSunriseSeconds
	}
	return s
}
