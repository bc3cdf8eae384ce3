// Package logging provides the kernel's structured, leveled log sink,
// backed by logrus (github.com/sirupsen/logrus) in place of the bare
// fmt.Printf-to-boot-console a bare-metal kernel would use, since this
// rendering runs as a hosted process with no boot console to write to.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	once sync.Once
	log  *logrus.Logger
)

// Logger returns the process-wide structured logger, lazily constructed
// with a text formatter writing to stderr and an Info default level.
func Logger() *logrus.Logger {
	once.Do(func() {
		log = logrus.New()
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		log.SetOutput(os.Stderr)
		log.SetLevel(logrus.InfoLevel)
	})
	return log
}

// SetLevel reconfigures the minimum level logged; str is parsed with
// logrus's own level parser ("debug", "info", "warn", "error", ...).
func SetLevel(str string) error {
	lvl, err := logrus.ParseLevel(str)
	if err != nil {
		return err
	}
	Logger().SetLevel(lvl)
	return nil
}

// SetOutput redirects the logger's sink, used by tests to capture output.
func SetOutput(w io.Writer) {
	Logger().SetOutput(w)
}

// WithComponent returns an entry tagged with the subsystem name, the
// convention every package in this module uses when logging (e.g.
// logging.WithComponent("frame").Warn(...)).
func WithComponent(name string) *logrus.Entry {
	return Logger().WithField("component", name)
}
