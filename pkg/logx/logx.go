package logx

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// out is the always-on channel that carries STATS records. It ignores
// log_level so that "output" mode still produces statistics.
var out = logrus.New()

var debugEnabled bool

// Setup configures the process loggers. level is one of output, debug, info:
// "output" suppresses everything below warnings except the STATS channel.
func Setup(level string, timePrefix bool) error {
	fmtr := &logrus.TextFormatter{FullTimestamp: true, DisableTimestamp: !timePrefix}
	logrus.SetFormatter(fmtr)
	out.SetFormatter(fmtr)
	out.SetOutput(os.Stderr)
	out.SetLevel(logrus.InfoLevel)

	debugEnabled = false
	switch level {
	case "output":
		logrus.SetLevel(logrus.WarnLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
		debugEnabled = true
	default:
		return errors.Errorf("invalid log_level: %q (expected output, debug or info)", level)
	}
	return nil
}

// Output emits one record on the statistics channel.
func Output(format string, args ...interface{}) {
	out.Infof(format, args...)
}

// Sender delivers a response line back to a command peer.
type Sender func(msg string)

// OutputController routes command responses either to the process logger
// (stdin ingress) or back to the socket peer that issued the command.
type OutputController struct {
	send Sender
}

// NewOutput builds a controller for the given peer. A nil sender routes to
// the process logger.
func NewOutput(send Sender) *OutputController {
	return &OutputController{send: send}
}

func (oc *OutputController) Debugf(format string, args ...interface{}) {
	if !debugEnabled {
		return
	}
	if oc.send == nil {
		logrus.Debugf(format, args...)
		return
	}
	oc.send("DEBUG: " + fmt.Sprintf(format, args...))
}

func (oc *OutputController) Infof(format string, args ...interface{}) {
	if oc.send == nil {
		logrus.Infof(format, args...)
		return
	}
	oc.send(fmt.Sprintf(format, args...))
}

func (oc *OutputController) Warnf(format string, args ...interface{}) {
	if oc.send == nil {
		logrus.Warnf(format, args...)
		return
	}
	oc.send("WARN: " + fmt.Sprintf(format, args...))
}

func (oc *OutputController) Errorf(format string, args ...interface{}) {
	if oc.send == nil {
		logrus.Errorf(format, args...)
		return
	}
	oc.send("ERROR: " + fmt.Sprintf(format, args...))
}
