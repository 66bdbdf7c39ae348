package logflags

import "github.com/sirupsen/logrus"

// Logger is what every component logs through. Each one gets its own,
// tagged with the layer it belongs to.
type Logger interface {
	// WithField returns a Logger tagging every entry with key=value.
	WithField(key string, value interface{}) Logger

	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Fields are the tags attached to every entry of a logger.
type Fields map[string]interface{}

type entry struct {
	*logrus.Entry
}

func (e entry) WithField(key string, value interface{}) Logger {
	return entry{e.Entry.WithField(key, value)}
}
