package logging

import (
	"fmt"
	"io"
	"os"

	dnssdlog "github.com/brutella/dnssd/log"
	"github.com/sirupsen/logrus"
)

// New builds the process logger. dnssd's own loggers are silenced, everything
// we care about from discovery is logged through the returned logger.
func New(level string, out io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if out == nil {
		out = os.Stderr
	}

	dnssdlog.Info.SetOutput(io.Discard)
	dnssdlog.Debug.SetOutput(io.Discard)

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	return logger, nil
}

// Discard returns a logger that drops everything. Used by tests and as the
// default when a component is built without a logger.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
