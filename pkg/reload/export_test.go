package reload

// HoldLock grabs the coordinator lock so tests can simulate an in-flight
// reload. The returned function releases it.
func (c *Coordinator) HoldLock() func() {
	c.mu.Lock()

	return c.mu.Unlock
}

// SetWarmCount overrides how many recent links a data reload warms.
func (c *Coordinator) SetWarmCount(n int) { c.warmCount = n }
