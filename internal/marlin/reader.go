package marlin

import (
	"time"

	"go.uber.org/zap"
)

// readerIdleDelay is how long the reader task yields when no complete
// line is available, so it never spins against a quiet port.
const readerIdleDelay = 10 * time.Millisecond

// StartReader launches the background task that pulls lines off the
// link and queues them for the control loop. Lines are applied by
// Drain, not here, so all state transitions happen on the control
// loop's goroutine.
func (c *Controller) StartReader() {
	c.readerMu.Lock()
	defer c.readerMu.Unlock()

	if c.readerRunning {
		return
	}

	c.readerRunning = true
	c.stopChan = make(chan struct{})
	c.wg.Add(1)

	go c.readLoop()

	c.logger.Info("Reader task started")
}

func (c *Controller) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		if !c.link.Connected() {
			c.logger.Info("Reader task stopping: link down")
			return
		}

		line, ok := c.link.TryReceiveLine()
		if !ok {
			time.Sleep(readerIdleDelay)
			continue
		}

		select {
		case c.lines <- line:
		case <-c.stopChan:
			return
		}
	}
}

// StopReader signals the reader task and waits up to grace for it to
// finish. A task stuck in a port read is abandoned after the grace
// period rather than blocking shutdown forever.
func (c *Controller) StopReader(grace time.Duration) {
	c.readerMu.Lock()
	defer c.readerMu.Unlock()

	if !c.readerRunning {
		return
	}
	c.readerRunning = false

	close(c.stopChan)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("Reader task stopped")
	case <-time.After(grace):
		c.logger.Warn("Reader task did not stop in time, proceeding",
			zap.Duration("grace", grace))
	}
}

// Drain applies every queued line to the state machine. The control
// loop calls this once per pass; the bounded channel between reader
// and loop is what keeps the two goroutines from sharing mutable
// protocol state.
func (c *Controller) Drain() {
	for {
		select {
		case line := <-c.lines:
			c.HandleLine(line)
		default:
			return
		}
	}
}
