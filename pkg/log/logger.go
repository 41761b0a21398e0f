package log

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// Only the "goroutine N [" prefix of the trace is read.
	stackBufSize = 32
	// Shortest trace that still carries a goroutine id.
	minStackTraceLen = 12
	// len("goroutine ").
	goroutinePrefixLen = 10

	unknownGoroutine = "unknown"
)

var (
	Logger   zerolog.Logger
	stackBuf = sync.Pool{New: func() interface{} { return make([]byte, stackBufSize) }}
)

func init() {
	Logger = New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}, zerolog.InfoLevel)
	log.Logger = Logger
}

// New builds a logger that stamps every event with a timestamp and the id of
// the goroutine that emitted it. Probe fan-out logs are hard to follow without it.
func New(out io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger().
		Hook(zerolog.HookFunc(func(e *zerolog.Event, _ zerolog.Level, _ string) {
			e.Str("goid", goroutineID())
		}))
}

// goroutineID parses the id out of "goroutine 123 [running]:".
func goroutineID() string {
	buf, ok := stackBuf.Get().([]byte)
	if !ok {
		return unknownGoroutine
	}
	defer stackBuf.Put(buf) //nolint:staticcheck // slice header is fine here

	n := runtime.Stack(buf, false)
	if n < minStackTraceLen {
		return unknownGoroutine
	}

	end := goroutinePrefixLen
	for end < n && buf[end] >= '0' && buf[end] <= '9' {
		end++
	}
	if end == goroutinePrefixLen {
		return unknownGoroutine
	}
	return string(buf[goroutinePrefixLen:end])
}

func Info() *zerolog.Event {
	return Logger.Info()
}

func Error() *zerolog.Event {
	return Logger.Error()
}

func Warn() *zerolog.Event {
	return Logger.Warn()
}

func Debug() *zerolog.Event {
	return Logger.Debug()
}

// Fatal logs and exits the process once the event is sent.
func Fatal() *zerolog.Event {
	return Logger.Fatal()
}

// SetDebugMode switches the logger to debug level.
func SetDebugMode() {
	Logger = Logger.Level(zerolog.DebugLevel)
	log.Logger = Logger
}

// SetLevel switches the logger to the named level ("debug", "info", "warn", ...).
// An empty name leaves the level unchanged.
func SetLevel(name string) error {
	if strings.TrimSpace(name) == "" {
		return nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		return fmt.Errorf("log level %q: %w", name, err)
	}
	Logger = Logger.Level(level)
	log.Logger = Logger
	return nil
}
