package audio

import (
	"math"
	"sync/atomic"
)

const (
	// number of audio frames for observe window
	observeFrames    = 25 // webrtc default opus frame size 20ms, 25*20=500ms
	silentAudioLevel = 127
)

// LevelMonitor keeps track of the smoothed audio level of one track
type LevelMonitor struct {
	levelThreshold uint8
	currentLevel   uint32
	// min frames to be considered active
	minActiveFrames uint32

	// for Observe use
	// keeps track of current activity
	observeLevel uint8
	activeFrames uint32
	numFrames    uint32
}

func NewLevelMonitor(activeLevel uint8, minPercentile uint8) *LevelMonitor {
	return &LevelMonitor{
		levelThreshold:  activeLevel,
		minActiveFrames: uint32(minPercentile) * observeFrames / 100,
		currentLevel:    silentAudioLevel,
		observeLevel:    silentAudioLevel,
	}
}

// Observe records a new frame level, must be called from the same goroutine
func (l *LevelMonitor) Observe(level uint8) {
	l.numFrames++

	if level <= l.levelThreshold {
		l.activeFrames++
		if l.observeLevel > level {
			l.observeLevel = level
		}
	}

	if l.numFrames >= observeFrames {
		// compute and reset
		if l.activeFrames >= l.minActiveFrames {
			const invObserveFrames = 1.0 / observeFrames
			level := uint32(l.observeLevel) - uint32(20*math.Log10(float64(l.activeFrames)*invObserveFrames))
			atomic.StoreUint32(&l.currentLevel, level)
		} else {
			atomic.StoreUint32(&l.currentLevel, silentAudioLevel)
		}
		l.observeLevel = silentAudioLevel
		l.activeFrames = 0
		l.numFrames = 0
	}
}

// GetLevel returns the current audio level, 0 (loudest) to 127 (silent)
func (l *LevelMonitor) GetLevel() (uint8, bool) {
	level := uint8(atomic.LoadUint32(&l.currentLevel))
	active := level < l.levelThreshold
	return level, active
}

// ConvertAudioLevel converts decibel back to linear
func ConvertAudioLevel(level uint8) float32 {
	const negInv20 = -1.0 / 20
	return float32(math.Pow(10, float64(level)*negInv20))
}
