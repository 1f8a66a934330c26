package telemetry

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/banshee-data/cmdtlm/internal/iface"
	"github.com/banshee-data/cmdtlm/internal/monitoring"
	"github.com/banshee-data/cmdtlm/internal/timeutil"
)

// Reader is the read side of an interface.
type Reader interface {
	Name() string
	Read(ctx context.Context) ([]byte, error)
	Connected() bool
}

// Conn is an interface that can be (re)connected.
type Conn interface {
	Reader
	Connect(ctx context.Context) error
	Disconnect() error
}

// Run reads packets from r until ctx is done or the interface drops, and
// processes each one as telemetry of targets. Packets that fail to
// decode are reported on the monitoring channel and skipped. Run returns
// nil when ctx is cancelled or the stream reaches its end.
func (p *Processor) Run(ctx context.Context, r Reader, targets []string) error {
	for {
		buf, err := r.Read(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				monitoring.Logf("%s: end of stream", r.Name())
				return nil
			}
			if errors.Is(err, iface.ErrReadNotAllowed) || !r.Connected() {
				return err
			}
			monitoring.Logf("%s: read: %v", r.Name(), err)
			continue
		}
		if _, err := p.Process(ctx, targets, buf); err != nil {
			monitoring.Logf("%s: %v", r.Name(), err)
		}
	}
}

// SuperviseOptions controls Supervise.
type SuperviseOptions struct {
	// ReconnectDelay is the wait between connection attempts; zero
	// disables reconnecting.
	ReconnectDelay time.Duration
	Clock          timeutil.Clock
}

// Supervise connects c and runs the read loop, reconnecting after
// failures while ReconnectDelay is set. It returns when ctx is done, when
// the stream ends, or on the first failure without reconnecting.
func (p *Processor) Supervise(ctx context.Context, c Conn, targets []string, opts SuperviseOptions) error {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	defer c.Disconnect()
	for {
		err := c.Connect(ctx)
		if err == nil {
			err = p.Run(ctx, c, targets)
			if err == nil {
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if opts.ReconnectDelay <= 0 {
			return err
		}
		monitoring.Logf("%s: %v; reconnecting in %s", c.Name(), err, opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-clock.After(opts.ReconnectDelay):
		}
	}
}
