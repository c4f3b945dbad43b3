package mesh

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// CmdDataIndication identifies the telemetry sample command.
const CmdDataIndication byte = 0xDD

// SampleSize is the packed size of one sample record.
const SampleSize = 14 // timestamp(2) + six values(2 each)

func init() {
	RegisterCommand(CmdDataIndication, decodeDataIndication)
}

// Sample is one monitor reading. Values are in real units; the wire
// carries signed hundredths.
type Sample struct {
	Timestamp uint16  `bson:"timestamp"`
	Vi        float64 `bson:"Vi"`
	Vo        float64 `bson:"Vo"`
	Ii        float64 `bson:"Ii"`
	Io        float64 `bson:"Io"`
	Pi        float64 `bson:"Pi"`
	Po        float64 `bson:"Po"`
}

// DataIndication (0xDD) reports a monitor's operating and regulation
// status followed by a run of samples.
//
// Body layout, big-endian:
//
//	Offset 0: op_stat (2)
//	Offset 2: reg_stat (2)
//	Offset 4: samples, 14 bytes each: timestamp(u16) then Vi, Vo, Ii,
//	          Io, Pi, Po as i16 hundredths
type DataIndication struct {
	Header  *Message
	OpStat  uint16
	RegStat uint16
	Data    []Sample
	// Trailing counts body bytes beyond the last whole sample; decode
	// discards them.
	Trailing int
}

func (d *DataIndication) ID() byte        { return CmdDataIndication }
func (d *DataIndication) Bind(m *Message) { d.Header = m }

func decodeDataIndication(header *Message, body []byte) (Command, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("mesh: data indication body %d bytes, need 4 for status fields: %w", len(body), ErrMalformedCommand)
	}
	d := &DataIndication{
		Header:  header,
		OpStat:  binary.BigEndian.Uint16(body[0:2]),
		RegStat: binary.BigEndian.Uint16(body[2:4]),
	}
	rest := body[4:]
	n := len(rest) / SampleSize
	d.Trailing = len(rest) - n*SampleSize
	for i := 0; i < n; i++ {
		chunk := rest[i*SampleSize : (i+1)*SampleSize]
		d.Data = append(d.Data, Sample{
			Timestamp: binary.BigEndian.Uint16(chunk[0:2]),
			Vi:        hundredths(chunk[2:4]),
			Vo:        hundredths(chunk[4:6]),
			Ii:        hundredths(chunk[6:8]),
			Io:        hundredths(chunk[8:10]),
			Pi:        hundredths(chunk[10:12]),
			Po:        hundredths(chunk[12:14]),
		})
	}
	return d, nil
}

// Encode emits samples in caller order. Vi through Io must fit in i16
// hundredths; Pi and Po saturate.
func (d *DataIndication) Encode() ([]byte, error) {
	body := make([]byte, 4, 4+len(d.Data)*SampleSize)
	binary.BigEndian.PutUint16(body[0:2], d.OpStat)
	binary.BigEndian.PutUint16(body[2:4], d.RegStat)
	for i, s := range d.Data {
		var chunk [SampleSize]byte
		binary.BigEndian.PutUint16(chunk[0:2], s.Timestamp)
		for _, f := range [...]struct {
			name string
			val  float64
			off  int
		}{
			{"Vi", s.Vi, 2}, {"Vo", s.Vo, 4}, {"Ii", s.Ii, 6}, {"Io", s.Io, 8},
		} {
			w, err := packHundredths(f.val)
			if err != nil {
				return nil, fmt.Errorf("mesh: sample %d %s: %w", i, f.name, err)
			}
			binary.BigEndian.PutUint16(chunk[f.off:f.off+2], uint16(w))
		}
		binary.BigEndian.PutUint16(chunk[10:12], uint16(clampHundredths(s.Pi)))
		binary.BigEndian.PutUint16(chunk[12:14], uint16(clampHundredths(s.Po)))
		body = append(body, chunk[:]...)
	}
	return wrapTLV(CmdDataIndication, body)
}

// Response renders the status fields and a timestamp-sorted copy of the
// samples. The stored sample order is untouched.
func (d *DataIndication) Response() map[string]any {
	addr := "unknown"
	if d.Header != nil {
		addr = d.Header.Addr
	}
	data := make([]Sample, len(d.Data))
	copy(data, d.Data)
	sort.SliceStable(data, func(i, j int) bool { return data[i].Timestamp < data[j].Timestamp })
	return map[string]any{
		"type":     "mon",
		"macaddr":  addr,
		"op_stat":  int(d.OpStat),
		"reg_stat": int(d.RegStat),
		"data":     data,
	}
}

// AddData appends one reading, rounded to the two decimals the wire can
// carry.
func (d *DataIndication) AddData(timestamp uint16, vi, vo, ii, io, pi, po float64) {
	d.Data = append(d.Data, Sample{
		Timestamp: timestamp,
		Vi:        round2(vi),
		Vo:        round2(vo),
		Ii:        round2(ii),
		Io:        round2(io),
		Pi:        round2(pi),
		Po:        round2(po),
	})
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func hundredths(b []byte) float64 {
	return float64(int16(binary.BigEndian.Uint16(b))) / 100
}

// packHundredths converts a real value to wire hundredths, rejecting
// values outside int16.
func packHundredths(v float64) (int16, error) {
	w := math.Round(v * 100)
	if w < math.MinInt16 || w > math.MaxInt16 {
		return 0, fmt.Errorf("value %g overflows int16 hundredths", v)
	}
	return int16(w), nil
}

// clampHundredths converts with int16 saturation.
func clampHundredths(v float64) int16 {
	w := math.Round(v * 100)
	if w > math.MaxInt16 {
		return math.MaxInt16
	}
	if w < math.MinInt16 {
		return math.MinInt16
	}
	return int16(w)
}
