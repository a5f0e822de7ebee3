// Package sklog provides a small set of leveled logging functions backed by
// glog. Ingestion workers run as daemons under a supervisor, so log output is
// expected on stdout/stderr rather than a structured sink; callers needing
// structured fields should attach them to the message with fmt.Sprintf.
package sklog

import (
	"fmt"

	"github.com/skia-dev/glog"
)

const (
	DEBUG    = "DEBUG"
	INFO     = "INFO"
	WARNING  = "WARNING"
	ERROR    = "ERROR"
	ALERT    = "ALERT"
)

func Debugf(format string, v ...interface{}) {
	glog.InfoDepth(1, fmt.Sprintf(format, v...))
}

func Infof(format string, v ...interface{}) {
	glog.InfoDepth(1, fmt.Sprintf(format, v...))
}

func Warningf(format string, v ...interface{}) {
	glog.WarningDepth(1, fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...interface{}) {
	glog.ErrorDepth(1, fmt.Sprintf(format, v...))
}

func Fatalf(format string, v ...interface{}) {
	glog.FatalDepth(1, fmt.Sprintf(format, v...))
}

func Flush() {
	glog.Flush()
}
