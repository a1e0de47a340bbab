package chat

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omochice/socket-chat-client/internal/metrics"
	"github.com/omochice/socket-chat-client/internal/prefs"
	"github.com/omochice/socket-chat-client/internal/supervisor"
)

const defaultWriteTimeout = 10 * time.Second

type options struct {
	logger       *zap.Logger
	metrics      *metrics.Metrics
	prefs        prefs.Store
	newID        IDFunc
	now          func() time.Time
	policy       supervisor.Policy
	writeTimeout time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		logger:       zap.NewNop(),
		prefs:        prefs.NewMemory(""),
		newID:        uuid.NewString,
		now:          time.Now,
		policy:       supervisor.DefaultPolicy(),
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a Router or a Session. Options that only concern the
// connection are ignored by NewRouter.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics records frames, dropped sends and reconnect attempts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithPrefs sets where the chosen username is remembered.
func WithPrefs(p prefs.Store) Option {
	return func(o *options) {
		o.prefs = p
	}
}

// WithIDFunc sets the ID generator for system messages.
func WithIDFunc(fn IDFunc) Option {
	return func(o *options) {
		o.newID = fn
	}
}

// WithClock sets the time source for system message timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithPolicy sets the reconnection policy.
func WithPolicy(p supervisor.Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithWriteTimeout bounds each outbound frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}
