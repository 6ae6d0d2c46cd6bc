// Package xlog is the core's leveled logging surface. It mirrors the
// shape of rclone's fs.Debugf/fs.Logf/fs.Errorf helpers: a first
// argument identifying what the message is about (an object, an
// offset, or nil), a printf-style format, and args — backed by
// logrus so a host process can route it wherever its own logging
// collaborator (out of scope here) wants it to go.
package xlog

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Logger is the package-level sink. A host embedding this core can
// replace it (e.g. to redirect through its own logging collaborator);
// the default writes structured fields to logrus's standard logger.
var Logger = logrus.StandardLogger()

func fields(tag any) logrus.Fields {
	if tag == nil {
		return logrus.Fields{}
	}
	return logrus.Fields{"subject": fmt.Sprintf("%v", tag)}
}

// Debugf logs at debug level about tag (which may be nil).
func Debugf(tag any, format string, args ...any) {
	Logger.WithFields(fields(tag)).Debugf(format, args...)
}

// Logf logs at info level about tag.
func Logf(tag any, format string, args ...any) {
	Logger.WithFields(fields(tag)).Infof(format, args...)
}

// Infof is an alias of Logf kept for call-site symmetry with Debugf
// and Errorf.
func Infof(tag any, format string, args ...any) {
	Logger.WithFields(fields(tag)).Infof(format, args...)
}

// Errorf logs at error level about tag.
func Errorf(tag any, format string, args ...any) {
	Logger.WithFields(fields(tag)).Errorf(format, args...)
}
