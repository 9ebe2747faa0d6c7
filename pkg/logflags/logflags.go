package logflags

import (
	"errors"
	"io/ioutil"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var debugger = false
var remote = false
var image = false
var target = false

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Debugger returns true if the debugger package should log.
func Debugger() bool {
	return debugger
}

// DebuggerLogger returns a logger for the debugger package.
func DebuggerLogger() *logrus.Entry {
	return makeLogger(debugger, logrus.Fields{"layer": "debugger"})
}

// Remote returns true if remote session frames should be logged.
func Remote() bool {
	return remote
}

// RemoteLogger returns a configured logger for the remote session protocol.
func RemoteLogger() *logrus.Entry {
	return makeLogger(remote, logrus.Fields{"layer": "remote"})
}

// Image returns true if the image reader should log its recoverable
// parse errors.
func Image() bool {
	return image
}

// ImageLogger returns a logger for the image reader.
func ImageLogger() *logrus.Entry {
	return makeLogger(image, logrus.Fields{"layer": "image"})
}

// Target returns true if target transport traffic should be logged.
func Target() bool {
	return target
}

// TargetLogger returns a logger for the target transport.
func TargetLogger() *logrus.Entry {
	return makeLogger(target, logrus.Fields{"layer": "target"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets debugger flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "debugger"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "debugger":
			debugger = true
		case "remote":
			remote = true
		case "image":
			image = true
		case "target":
			target = true
		}
	}
	return nil
}
