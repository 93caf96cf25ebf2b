package audio

import (
	"errors"
	"sync"
)

var (
	ErrAlreadyAttached = errors.New("track already has a level monitor attached")

	processContext *Context
	contextOnce    sync.Once
)

// Context is the process-wide audio analysis context. Creating one
// audio graph per session duplicates processing nodes when sessions are
// recreated across reconnects, so a single instance is created on first
// use and reused for the life of the process; it is never torn down
// mid-session.
type Context struct {
	lock     sync.Mutex
	monitors map[string]*LevelMonitor
}

// GetContext returns the shared context, creating it on first use.
func GetContext() *Context {
	contextOnce.Do(func() {
		processContext = &Context{
			monitors: make(map[string]*LevelMonitor),
		}
	})
	return processContext
}

// Attach creates a level monitor for a track. Attaching twice is an
// error surfaced via ErrAlreadyAttached rather than left for the
// underlying audio stack to reject.
func (c *Context) Attach(trackSID string, activeLevel uint8, minPercentile uint8) (*LevelMonitor, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if _, ok := c.monitors[trackSID]; ok {
		return nil, ErrAlreadyAttached
	}
	m := NewLevelMonitor(activeLevel, minPercentile)
	c.monitors[trackSID] = m
	return m, nil
}

func (c *Context) Detach(trackSID string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	delete(c.monitors, trackSID)
}

func (c *Context) Monitor(trackSID string) (*LevelMonitor, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	m, ok := c.monitors[trackSID]
	return m, ok
}
