// Package calibrate converts raw instrument sample words into
// calibrated current, voltage, and power values.
package calibrate

import "math"

// Current range codes carried in the sample word.
const (
	I_RANGE_OFF     = 7 // shunt disconnected
	I_RANGE_MISSING = 8 // sample dropped on the wire
)

// RAW_MAX is the largest 14 bit ADC reading.
const RAW_MAX = 0x3fff

// SAMPLE_MISSING_WORD marks a dropped sample in the stream.
const SAMPLE_MISSING_WORD = 0xffffffff

// suppressMatrix holds the charge coupling settle durations in samples,
// indexed [to][from] by current range. Conservative values for less
// min/max distortion.
var suppressMatrix = [9][9]uint8{
	//0, 1, 2, 3, 4, 5, 6, 7, 8   // from this current range
	{0, 5, 7, 7, 7, 7, 7, 8, 0}, // to 0
	{3, 0, 7, 7, 7, 7, 7, 8, 0}, // to 1
	{5, 5, 0, 7, 7, 7, 7, 8, 0}, // to 2
	{5, 5, 5, 0, 7, 7, 7, 8, 0}, // to 3
	{5, 5, 5, 5, 0, 7, 7, 8, 0}, // to 4
	{5, 5, 5, 5, 5, 0, 7, 8, 0}, // to 5
	{5, 5, 5, 5, 5, 5, 0, 8, 0}, // to 6
	{0, 0, 0, 0, 0, 0, 0, 0, 0}, // to 7 (off)
	{0, 0, 0, 0, 0, 0, 0, 0, 0}, // to 8 (missing)
}

// Sample is one decoded measurement.
type Sample struct {
	I            float32 // current in amperes
	V            float32 // voltage in volts
	P            float32 // power in watts
	CurrentRange uint8
	GPI0         uint8
	GPI1         uint8
}

// Missing reports whether the sample was dropped on the wire.
func (s Sample) Missing() bool {
	return s.CurrentRange == I_RANGE_MISSING
}

var sampleMissing = Sample{
	I:            float32(math.NaN()),
	V:            float32(math.NaN()),
	P:            float32(math.NaN()),
	CurrentRange: I_RANGE_MISSING,
}

// Calibration holds per-range offset and gain pairs. Index 0 selects
// current, index 1 voltage; the inner dimension is the range code.
type Calibration struct {
	Offset [2][8]float64
	Gain   [2][8]float64
}

// IdentityCalibration passes raw ADC counts through unchanged.
func IdentityCalibration() Calibration {
	var c Calibration
	for sig := 0; sig < 2; sig++ {
		for rng := 0; rng < 8; rng++ {
			c.Gain[sig][rng] = 1.0
		}
	}
	return c
}

// Processor decodes the raw sample stream. It belongs to a single
// goroutine; the counters are plain fields for that reason.
type Processor struct {
	cal Calibration

	lastRange         uint8
	suppressRemaining int

	// Statistics
	SampleCount     uint64
	MissingCount    uint64
	SkipCount       uint64
	ContiguousCount uint64

	isSkipping bool
}

// NewProcessor creates a processor with identity calibration.
func NewProcessor() *Processor {
	p := &Processor{cal: IdentityCalibration()}
	p.Reset()
	return p
}

// SetCalibration installs the per-range offsets and gains, usually read
// from the instrument's calibration topic.
func (p *Processor) SetCalibration(cal Calibration) {
	p.cal = cal
}

// Reset returns the processor to the power-on state. The first samples
// after a reset settle as if the shunt switched in from off.
func (p *Processor) Reset() {
	p.SampleCount = 0
	p.MissingCount = 0
	p.SkipCount = 0
	p.ContiguousCount = 0
	p.isSkipping = true
	p.suppressRemaining = 0
	p.lastRange = I_RANGE_OFF
}

// Process decodes one raw sample word. The voltage range comes from the
// stream framing, not the sample word.
func (p *Processor) Process(word uint32, vRange uint8) Sample {
	p.SampleCount++

	iRange := uint8(word&3 | (word>>14)&4)
	if iRange > 7 || word == SAMPLE_MISSING_WORD {
		p.MissingCount++
		p.ContiguousCount = 0
		if !p.isSkipping {
			p.SkipCount++
			p.isSkipping = true
		}
		p.lastRange = I_RANGE_MISSING
		return sampleMissing
	}

	p.ContiguousCount++
	p.isSkipping = false

	if iRange != p.lastRange {
		p.suppressRemaining = int(suppressMatrix[iRange][p.lastRange])
		p.lastRange = iRange
	}

	vRange &= 7
	i := float64((word >> 2) & RAW_MAX)
	v := float64((word >> 18) & RAW_MAX)
	i = (i + p.cal.Offset[0][iRange]) * p.cal.Gain[0][iRange]
	v = (v + p.cal.Offset[1][vRange]) * p.cal.Gain[1][vRange]

	s := Sample{
		I:            float32(i),
		V:            float32(v),
		P:            float32(i * v),
		CurrentRange: iRange,
		GPI0:         uint8(word>>2) & 1,
		GPI1:         uint8(word>>18) & 1,
	}

	// Charge coupling corrupts the shunt reading while the range
	// switch settles. Voltage is unaffected.
	if p.suppressRemaining > 0 {
		p.suppressRemaining--
		s.I = float32(math.NaN())
		s.P = float32(math.NaN())
	}

	return s
}
