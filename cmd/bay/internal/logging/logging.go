package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the root logger for the Bay process. Components receive
// *logrus.Entry values scoped with a "component" field.
func New(debug bool) *logrus.Entry {
	log := logrus.New()
	log.Out = os.Stderr
	log.Formatter = &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
	if debug {
		log.Level = logrus.DebugLevel
	} else {
		log.Level = logrus.InfoLevel
	}
	return log.WithField("service", "bay")
}
