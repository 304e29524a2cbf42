package audio

import (
	"math"
	"sync"
)

// SilenceFloor is the level reported for digital silence and whenever no
// audio has been analysed yet.
const SilenceFloor = -100.0

// defaultSmoothing matches the time constant browsers apply to analyser
// nodes, which the default voice threshold was calibrated against.
const defaultSmoothing = 0.8

// LevelDBFS returns the loudness of PCM16LE data in dBFS, computed from RMS
// energy. The result is clamped to [SilenceFloor, 0]; empty input yields
// SilenceFloor.
func LevelDBFS(pcm []byte) float64 {
	return rmsToDBFS(rms(pcm))
}

// ClampLevel maps NaN and out-of-range readings onto the valid dBFS range.
// Anything that is not a finite value in [SilenceFloor, 0] collapses to
// SilenceFloor, except values above 0 which saturate at 0.
func ClampLevel(db float64) float64 {
	switch {
	case math.IsNaN(db), math.IsInf(db, -1), db < SilenceFloor:
		return SilenceFloor
	case math.IsInf(db, 1), db > 0:
		return 0
	}
	return db
}

func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

func rmsToDBFS(r float64) float64 {
	if r <= 0 {
		return SilenceFloor
	}
	return ClampLevel(20 * math.Log10(r/32768))
}

// LevelMonitor turns a live microphone stream into a loudness reading. It is
// a [FrameSink]: feed it with [Pump] and read the current level with Sample
// from any goroutine.
//
// The zero value is not usable; create instances with [NewLevelMonitor].
type LevelMonitor struct {
	smoothing float64

	mu     sync.Mutex
	rms    float64
	primed bool
}

// NewLevelMonitor returns a monitor that exponentially smooths successive
// frame energies with the given factor in [0, 1). A factor of 0 disables
// smoothing; values outside the range select the default of 0.8.
func NewLevelMonitor(smoothing float64) *LevelMonitor {
	if smoothing < 0 || smoothing >= 1 || math.IsNaN(smoothing) {
		smoothing = defaultSmoothing
	}
	return &LevelMonitor{smoothing: smoothing}
}

// WriteFrame implements [FrameSink].
func (m *LevelMonitor) WriteFrame(frame AudioFrame) {
	cur := rms(frame.Data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.primed {
		m.rms = cur
		m.primed = true
		return
	}
	m.rms = m.smoothing*m.rms + (1-m.smoothing)*cur
}

// Sample returns the current level in dBFS. Before the first frame arrives,
// and after Reset, it returns [SilenceFloor].
func (m *LevelMonitor) Sample() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.primed {
		return SilenceFloor
	}
	return rmsToDBFS(m.rms)
}

// Reset discards the analysis state so that Sample reports the floor until
// new frames arrive.
func (m *LevelMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rms = 0
	m.primed = false
}
