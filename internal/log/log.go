// Package log provides logrus formatter setup shared by the wikidesk binary.
package log

import (
	"github.com/sirupsen/logrus"
)

// NewFormatter returns the formatter used for all wikidesk log output.
// With json set, entries are emitted as JSON objects for log shippers;
// otherwise a full-timestamp text formatter is used.
func NewFormatter(json bool) logrus.Formatter {
	if json {
		return &logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05.000",
		}
	}
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		PadLevelText:    true,
	}
}
