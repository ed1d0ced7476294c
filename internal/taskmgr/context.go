package taskmgr

import (
	"fmt"
	"sync"
	"time"
)

// contextLogCapacity bounds the per-task log ring.
const contextLogCapacity = 64

// Context carries the introspection state of one task: the current
// action label and a ring buffer of log lines served by the HTTP API.
type Context struct {
	mu            sync.Mutex
	currentAction string
	lines         []string
	next          int
	filled        bool
}

// NewContext creates an empty task context.
func NewContext() *Context {
	return &Context{
		lines: make([]string, contextLogCapacity),
	}
}

// SetCurrentAction labels what the task is doing right now.
func (c *Context) SetCurrentAction(action string) {
	c.mu.Lock()
	c.currentAction = action
	c.mu.Unlock()
}

// CurrentAction reads the current action label.
func (c *Context) CurrentAction() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentAction
}

// Log appends a timestamped line to the ring buffer.
func (c *Context) Log(format string, args ...any) {
	line := fmt.Sprintf("[%s] %s", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
	c.mu.Lock()
	c.lines[c.next] = line
	c.next = (c.next + 1) % contextLogCapacity
	if c.next == 0 {
		c.filled = true
	}
	c.mu.Unlock()
}

// Logs returns the buffered lines, oldest first.
func (c *Context) Logs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.filled {
		out := make([]string, c.next)
		copy(out, c.lines[:c.next])
		return out
	}
	out := make([]string, 0, contextLogCapacity)
	out = append(out, c.lines[c.next:]...)
	out = append(out, c.lines[:c.next]...)
	return out
}
