// Package siren converts console control telemetry into the pitch and motor
// speed of the siren it drives.
package siren

import (
	"errors"
	"math"
)

const (
	BendCenter = 8192
	BendMax    = 16383
	// BendRange is the pitch offset, in semitones, at either end of the bend.
	BendRange = 1.0
)

var ErrOutputs = errors.New("siren needs at least one output")

// Siren holds the per-console constants.
type Siren struct {
	Outputs       int
	Transposition int // octaves
}

// Reading is the derived state for one telemetry sample.
type Reading struct {
	Note      float64 `json:"note"`
	PitchBend int     `json:"pitchBend"`
	Frequency float64 `json:"frequency"`
	RPM       float64 `json:"rpm"`
}

// Frequency returns 440·2^((note+12·transposition−69)/12), bent by up to one
// semitone over the full 14-bit bend range. Out-of-range bends are clamped.
func Frequency(note float64, transposition, bend int) float64 {
	if bend < 0 {
		bend = 0
	}
	if bend > BendMax {
		bend = BendMax
	}
	// 8191 steps above center, 8192 below: scale each side to its own end.
	var offset float64
	if bend >= BendCenter {
		offset = float64(bend-BendCenter) / float64(BendMax-BendCenter) * BendRange
	} else {
		offset = float64(bend-BendCenter) / float64(BendCenter) * BendRange
	}
	semis := note + 12*float64(transposition) - 69 + offset
	return 440 * math.Pow(2, semis/12)
}

// RPM returns the motor speed that produces f on a disc with the given
// number of outputs.
func RPM(f float64, outputs int) (float64, error) {
	if outputs < 1 {
		return 0, ErrOutputs
	}
	return f * 60 / float64(outputs), nil
}

func (s Siren) Read(note float64, bend int) (Reading, error) {
	f := Frequency(note, s.Transposition, bend)
	rpm, err := RPM(f, s.Outputs)
	if err != nil {
		return Reading{}, err
	}
	return Reading{Note: note, PitchBend: bend, Frequency: f, RPM: rpm}, nil
}
