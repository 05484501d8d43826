package node

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vinayprograms/nodelink/logging"
	"github.com/vinayprograms/nodelink/operation"
)

// DefaultStaleReplyMemory is how many expired request ids a Transport
// remembers so their late replies can be told apart from unknown ones.
const DefaultStaleReplyMemory = 1024

type settings struct {
	logger      *logging.Logger
	registry    *operation.Registry
	timeout     time.Duration
	clock       clock.Clock
	staleMemory int
}

// Option configures a Transport.
type Option func(*settings)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithRegistry sets the handler table used to serve inbound requests.
// Without it the built-in operations are served.
func WithRegistry(r *operation.Registry) Option {
	return func(s *settings) { s.registry = r }
}

// WithRequestTimeout rejects requests that are not answered within d.
// Zero, the default, waits forever.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithClock replaces the clock used for request deadlines.
func WithClock(c clock.Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithStaleReplyMemory sets how many expired request ids are remembered.
func WithStaleReplyMemory(n int) Option {
	return func(s *settings) { s.staleMemory = n }
}

func newSettings(opts []Option) settings {
	s := settings{staleMemory: DefaultStaleReplyMemory}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.registry == nil {
		s.registry = operation.Builtins(s.clock)
	}
	if s.staleMemory <= 0 {
		s.staleMemory = DefaultStaleReplyMemory
	}
	return s
}
