// Package logging wires a logrus logger into the context so that all
// packages can log through dlog.
package logging

import (
	"context"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
)

// InitContext returns a context carrying a logger at the level implied by
// the verbosity flags. -q wins over -v.
func InitContext(ctx context.Context, verbose, quiet bool) context.Context {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.0000",
	})
	switch {
	case quiet:
		logger.SetLevel(logrus.ErrorLevel)
	case verbose:
		logger.SetLevel(logrus.DebugLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
	return dlog.WithLogger(ctx, dlog.WrapLogrus(logger))
}
