package chat

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const defaultStoreTimeout = 5 * time.Second

type settings struct {
	timeout time.Duration
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
}

// Option tunes the Store, Directory and History services.
type Option func(*settings)

// WithTimeout bounds each storage round trip. Exceeding it fails the
// operation as unavailable.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *settings) { s.newID = newID }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

func newSettings(component string, opts []Option) settings {
	s := settings{
		timeout: defaultStoreTimeout,
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	s.logger = s.logger.With("component", component)
	return s
}
