// Package monitoring configures structured logging and Prometheus metrics
// for the Nier services. Both are initialized once at boot.
package monitoring

import (
	"github.com/sirupsen/logrus"
)

// InitLogging configures the global logrus logger from the configured level
// and format. Unknown values fall back to info/json.
func InitLogging(level, format string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)

	if format == "pretty" {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}
