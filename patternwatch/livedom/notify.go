package livedom

import "context"

// Changes delivers one signal per burst of mutations. Stamping and tagging
// count as mutations, like they would for a MutationObserver.
func (d *Document) Changes() <-chan struct{} { return d.changes }

// Pause discards notifications until Resume.
func (d *Document) Pause(context.Context) error {
	d.paused.Store(true)
	select {
	case <-d.changes:
	default:
	}
	return nil
}

// Resume re-enables notifications.
func (d *Document) Resume(context.Context) error {
	d.paused.Store(false)
	return nil
}

func (d *Document) notify() {
	if d.paused.Load() {
		return
	}
	select {
	case d.changes <- struct{}{}:
	default:
	}
}
