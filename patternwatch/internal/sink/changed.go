package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/hazyhaar/phl/patternwatch/results"
)

// Changed forwards a report only when its Results differ from the last
// report forwarded for the same page. Reports that fail to send are not
// remembered.
func Changed(next Sink) Sink {
	return &changed{next: next, last: make(map[string][]byte)}
}

type changed struct {
	next Sink
	mu   sync.Mutex
	last map[string][]byte
}

func (c *changed) Send(ctx context.Context, rep results.Report) error {
	key, err := json.Marshal(rep.Results)
	if err != nil {
		return err
	}
	c.mu.Lock()
	same := bytes.Equal(c.last[rep.PageID], key)
	c.mu.Unlock()
	if same {
		return nil
	}
	if err := c.next.Send(ctx, rep); err != nil {
		return err
	}
	c.mu.Lock()
	c.last[rep.PageID] = key
	c.mu.Unlock()
	return nil
}

func (c *changed) Close() error { return c.next.Close() }
