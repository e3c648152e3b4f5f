package testutil

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	logFile   = ""
	logLevel  = "debug"
	logStderr = false

	logMutex   sync.Mutex
	logWriters = map[string]io.Writer{}
)

func init() {
	flag.StringVar(&logFile, "log-file", logFile, "`file` to use for logging")
	flag.StringVar(&logLevel, "log-level", logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	flag.BoolVar(&logStderr, "log-stderr", logStderr, "log to standard error")
}

// SetupLogger sends the standard logger to file, unless overridden by -log-file or
// -log-stderr, and returns it. Each file is opened once per test binary.
func SetupLogger(file string) *log.Logger {
	log.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})

	if !logStderr {
		if logFile != "" {
			file = logFile
		}

		logMutex.Lock()
		w, ok := logWriters[file]
		if !ok {
			f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
			if err != nil {
				logMutex.Unlock()
				panic(err)
			}
			fmt.Fprintln(f)
			logWriters[file] = f
			w = f
		}
		logMutex.Unlock()
		log.SetOutput(w)
	}

	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		panic(err)
	}
	log.SetLevel(ll)

	log.WithField("pid", os.Getpid()).Info("tests starting")
	return log.StandardLogger()
}
