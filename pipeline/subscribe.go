package pipeline

// Subscribe returns a channel receiving state snapshots, starting with the current one,
// and a function that ends the subscription and closes the channel.
//
// Delivery is latest-wins: a slow reader misses intermediate snapshots, but the
// controller never blocks on it and the newest snapshot is always delivered.
func (c *Controller) Subscribe(buffer int) (<-chan State, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan State, buffer)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = ch
	ch <- c.state
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// publishLocked bumps the version and hands the snapshot to every subscriber.
func (c *Controller) publishLocked() {
	c.state.Version++
	for _, ch := range c.subscribers {
		select {
		case ch <- c.state:
			continue
		default:
		}
		// Full: drop the oldest snapshot to make room for the newest.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- c.state:
		default:
		}
	}
}
