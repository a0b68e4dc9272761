package gear

import (
	"time"

	"github.com/bbrodriges/gear/proto"
	"go.uber.org/zap"
)

// config holds the options every Client or Worker constructor accepts.
type config struct {
	logger       *zap.Logger
	reportTiming func(proto.PacketType, time.Duration)
	workerID     string
}

// Option configures a Client or Worker at construction time.
type Option func(*config)

// WithLogger overrides the *zap.Logger used for this client or worker's
// named sub-logger ("gear.Client.<id>" / "gear.Worker.<id>"). The default
// is zap.NewNop(), so logging is silent unless a logger is supplied.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithTimingReport installs a hook invoked after every dispatched packet
// with the packet type and how long its handler took to run. It is meant
// for exporting dispatch latency to a metrics backend; the default is a
// no-op.
func WithTimingReport(fn func(proto.PacketType, time.Duration)) Option {
	return func(c *config) { c.reportTiming = fn }
}

// WithWorkerID is a deprecated alias for the clientID argument to
// NewWorker, used only when that argument is the empty string. New code
// should pass the id directly to NewWorker instead.
func WithWorkerID(id string) Option {
	return func(c *config) { c.workerID = id }
}

func newConfig(opts ...Option) *config {
	c := &config{
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
