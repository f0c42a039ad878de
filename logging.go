package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

// newLogger builds the single sink every component is threaded with. Each
// command in main.go builds one and hands it to the orchestrator and the
// dispatcher; nothing in this codebase reaches for a package-level logger.
func newLogger(verbose bool) *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stdout
	log.Formatter = &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	}
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}

// hostLogger returns a logger with the host name attached as a field so
// interleaved output from concurrent host passes stays attributable.
func hostLogger(log *logrus.Logger, hostName string) *logrus.Entry {
	return log.WithField("host", hostName)
}
