package display

import "sync"

// MemoryContainer is an in-memory Container for embedders without a real
// display tree, and for tests.
type MemoryContainer struct {
	mu       sync.RWMutex
	children []Surface
	clears   int
}

// NewMemoryContainer creates an empty container
func NewMemoryContainer() *MemoryContainer {
	return &MemoryContainer{}
}

// Clear removes all children
func (c *MemoryContainer) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children = nil
	c.clears++
}

// Append attaches a surface
func (c *MemoryContainer) Append(s Surface) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children = append(c.children, s)
}

// Children returns a copy of the current surfaces
func (c *MemoryContainer) Children() []Surface {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Surface, len(c.children))
	copy(out, c.children)
	return out
}

// Clears returns how many times the container was cleared
func (c *MemoryContainer) Clears() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clears
}
