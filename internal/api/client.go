package api

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

const clientQueue = 64

// client is one connected control channel. Messages are queued and written
// by pump, so a slow client never blocks a broadcaster; when the queue is
// full the message is dropped for that client only.
type client struct {
	kind    string
	out     chan Message
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
	log     *logrus.Entry
}

func newClient(kind string, log *logrus.Entry) *client {
	return &client{
		kind: kind,
		out:  make(chan Message, clientQueue),
		done: make(chan struct{}),
		log:  log.WithField("client", kind),
	}
}

func (c *client) send(m Message) {
	select {
	case <-c.done:
	case c.out <- m:
	default:
		if n := c.dropped.Add(1); n%100 == 1 {
			c.log.WithField("dropped", n).Warn("Client too slow, messages dropped")
		}
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// pump writes queued messages until the client closes, ctx ends or a
// write fails.
func (c *client) pump(ctx context.Context, write func(Message) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case m := <-c.out:
			if err := write(m); err != nil {
				c.close()
				return err
			}
		}
	}
}
