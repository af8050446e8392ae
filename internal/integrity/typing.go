package integrity

import (
	"math"
	"sort"
)

// Keystroke is one keyboard event. Timestamps are client milliseconds.
type Keystroke struct {
	Key        string  `json:"key" validate:"required"`
	Type       string  `json:"type" validate:"required,oneof=keydown keyup"`
	Timestamp  float64 `json:"timestamp" validate:"gte=0"`
	QuestionID string  `json:"questionId,omitempty"`
}

// TypingFeatures are the rhythm features derived from a keystroke batch.
// Zero values mean the feature could not be computed from the sample.
type TypingFeatures struct {
	Keystrokes     int     `json:"keystrokes"`
	ContentKeys    int     `json:"contentKeys"`
	CharsPerSecond float64 `json:"charsPerSecond"`
	AvgInterKeyMs  float64 `json:"avgInterKeyMs"`
	RhythmCV       float64 `json:"rhythmCv"`
	AvgHoldMs      float64 `json:"avgHoldMs"`
	HoldCV         float64 `json:"holdCv"`
	CorrectionRate float64 `json:"correctionRate"`
	PauseRate      float64 `json:"pauseRate"`
	BurstRate      float64 `json:"burstRate"`
	rhythmOK       bool
	holdOK         bool
}

func isContentKey(k string) bool {
	return len([]rune(k)) == 1 || k == "Space" || k == "Enter"
}

// ExtractTypingFeatures computes inter-key and dwell statistics. Outlier
// intervals (beyond 1.5x the 95th percentile) and hold times outside the
// IQR fences are dropped before the coefficients of variation are taken.
func ExtractTypingFeatures(events []Keystroke) TypingFeatures {
	f := TypingFeatures{Keystrokes: len(events)}
	if len(events) < 3 {
		return f
	}

	sorted := make([]Keystroke, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	var downs []Keystroke
	for _, e := range sorted {
		if e.Type == "keydown" {
			downs = append(downs, e)
		}
	}

	corrections := 0
	for _, e := range downs {
		switch {
		case e.Key == "Backspace" || e.Key == "Delete":
			corrections++
		case isContentKey(e.Key):
			f.ContentKeys++
		}
	}
	if f.ContentKeys > 0 {
		f.CorrectionRate = float64(corrections) / float64(f.ContentKeys)
	}

	if len(downs) >= 5 {
		if secs := (downs[len(downs)-1].Timestamp - downs[0].Timestamp) / 1000; secs > 0 {
			f.CharsPerSecond = float64(f.ContentKeys) / secs
		}
	}

	intervals := make([]float64, 0, len(downs))
	for i := 1; i < len(downs); i++ {
		intervals = append(intervals, downs[i].Timestamp-downs[i-1].Timestamp)
	}

	if len(intervals) >= 3 {
		bursts := 0
		for _, iv := range intervals {
			if iv < 10 {
				bursts++
			}
		}
		f.BurstRate = float64(bursts) / float64(len(intervals))

		filtered := dropAbove(intervals, percentile(intervals, 0.95)*1.5)
		if len(filtered) >= 3 {
			f.AvgInterKeyMs, f.RhythmCV = meanCV(filtered)
			f.rhythmOK = f.AvgInterKeyMs > 0
		}
	}

	if len(intervals) >= 5 {
		mean, _ := meanCV(intervals)
		threshold := math.Max(mean*3, 1000)
		pauses := 0
		for _, iv := range intervals {
			if iv > threshold {
				pauses++
			}
		}
		f.PauseRate = float64(pauses) / float64(len(intervals))
	}

	holds := holdTimes(sorted)
	if len(holds) >= 5 {
		sort.Float64s(holds)
		q1, q3 := holds[len(holds)/4], holds[len(holds)*3/4]
		iqr := q3 - q1
		var kept []float64
		for _, h := range holds {
			if h >= q1-1.5*iqr && h <= q3+1.5*iqr {
				kept = append(kept, h)
			}
		}
		if len(kept) >= 5 {
			f.AvgHoldMs, f.HoldCV = meanCV(kept)
			f.holdOK = f.AvgHoldMs > 0
		}
	}
	return f
}

// holdTimes pairs keydown/keyup per key; plausible dwell is 20ms to 1s.
func holdTimes(events []Keystroke) []float64 {
	down := make(map[string]float64)
	var out []float64
	for _, e := range events {
		switch e.Type {
		case "keydown":
			down[e.Key] = e.Timestamp
		case "keyup":
			if t, ok := down[e.Key]; ok {
				if h := e.Timestamp - t; h >= 20 && h <= 1000 {
					out = append(out, h)
				}
				delete(down, e.Key)
			}
		}
	}
	return out
}

func percentile(values []float64, p float64) float64 {
	s := make([]float64, len(values))
	copy(s, values)
	sort.Float64s(s)
	idx := int(float64(len(s)) * p)
	if idx >= len(s) {
		idx = len(s) - 1
	}
	return s[idx]
}

func dropAbove(values []float64, limit float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if v <= limit {
			out = append(out, v)
		}
	}
	return out
}

// meanCV returns the mean and the sample coefficient of variation.
func meanCV(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	if len(values) < 2 || mean == 0 {
		return mean, 0
	}
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values) - 1)
	return mean, math.Sqrt(variance) / mean
}

// Typing flags.
const (
	FlagRoboticRhythm   = "robotic_rhythm"
	FlagUniformKeyHold  = "uniform_key_hold"
	FlagInhumanSpeed    = "inhuman_speed"
	FlagInjectedBursts  = "injected_input_bursts"
	FlagNoCorrections   = "no_corrections"
	FlagInsufficientKey = "insufficient_keystrokes"
)

// ScoreTyping grades how human a keystroke batch looks, 100 meaning no
// anomaly. maxCPS is the fastest plausible sustained typing rate.
func ScoreTyping(f TypingFeatures, maxCPS float64) (float64, []string) {
	if f.Keystrokes < 3 {
		return 100, []string{FlagInsufficientKey}
	}
	score := 100.0
	var flags []string

	if f.rhythmOK {
		switch {
		case f.RhythmCV < 0.1:
			score -= 35
			flags = append(flags, FlagRoboticRhythm)
		case f.RhythmCV < 0.2:
			score -= 15
			flags = append(flags, FlagRoboticRhythm)
		}
	}
	if f.holdOK && f.HoldCV < 0.05 {
		score -= 15
		flags = append(flags, FlagUniformKeyHold)
	}
	if maxCPS > 0 && f.CharsPerSecond > maxCPS {
		score -= 30
		flags = append(flags, FlagInhumanSpeed)
	}
	if f.BurstRate > 0.3 {
		score -= 25
		flags = append(flags, FlagInjectedBursts)
	}
	if f.ContentKeys >= 200 && f.CorrectionRate == 0 {
		score -= 5
		flags = append(flags, FlagNoCorrections)
	}
	return math.Max(0, score), flags
}
