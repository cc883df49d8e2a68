package logging

import (
	"io"
	"log"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type LoggerSetupParams struct {
	LogFileName string
	LogToStdout bool
	Verbose     bool
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup builds the process logger. With a file name, logs go to a rotating
// file and, if LogToStdout is set, to stdout as well. The returned Closer
// flushes the file on shutdown.
func Setup(params LoggerSetupParams) (*log.Logger, io.Closer) {
	flags := log.LstdFlags
	if params.Verbose {
		flags |= log.Lmicroseconds
	}

	if params.LogFileName == "" {
		logger := log.New(os.Stdout, "", flags)
		logger.Println("Logging: writing logs only to STDOUT")
		return logger, nopCloser{}
	}

	if !strings.HasSuffix(params.LogFileName, ".log") {
		params.LogFileName += ".log"
	}

	lumberJackLogger := &lumberjack.Logger{
		Filename:  params.LogFileName,
		MaxSize:   50,    // megabytes
		LocalTime: false, // false -> use UTC
		Compress:  true,
	}

	var out io.Writer = lumberJackLogger
	if params.LogToStdout {
		out = io.MultiWriter(os.Stdout, lumberJackLogger)
	}
	logger := log.New(out, "", flags)
	logger.Printf("Logging: writing logs to %s (stdout=%v)", params.LogFileName, params.LogToStdout)
	return logger, lumberJackLogger
}
