package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type LoggerType uint8

const (
	ConsoleLogger LoggerType = iota
	JSONLogger
)

// Component loggers, silent until Init is called
var (
	Root   = zerolog.Nop()
	VM     = zerolog.Nop()
	Packer = zerolog.Nop()
	Store  = zerolog.Nop()
	Native = zerolog.Nop()
)

// Options for Logger
type Options struct {
	// Enable Debug loglevel, default Info
	LogLevel zerolog.Level
	Type     LoggerType
	// Output defaults to stderr
	Output io.Writer
}

func ParseLogLevel(loglevel string) (zerolog.Level, error) {
	return zerolog.ParseLevel(loglevel)
}

func Init(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Type == ConsoleLogger {
		out = newConsoleWriter(out)
	}

	Root = zerolog.New(out).Level(opts.LogLevel).
		With().Timestamp().Logger()
	VM = Root.With().Str("component", "vm").Logger()
	Packer = Root.With().Str("component", "packer").Logger()
	Store = Root.With().Str("component", "store").Logger()
	Native = Root.With().Str("component", "native").Logger()
}

func newConsoleWriter(out io.Writer) zerolog.ConsoleWriter {
	cw := zerolog.ConsoleWriter{Out: out, NoColor: true, TimeFormat: time.RFC3339}

	cw.FormatLevel = func(i interface{}) string {
		return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
	}

	cw.FormatMessage = func(i interface{}) string {
		return fmt.Sprintf("message: \"%s\" |", i)
	}

	cw.FormatFieldName = func(i interface{}) string {
		return fmt.Sprintf("\"%s\": ", i)
	}

	cw.FormatFieldValue = func(i interface{}) string {
		return fmt.Sprintf("\"%s\" |", i)
	}

	cw.FormatErrFieldValue = func(i interface{}) string {
		return fmt.Sprintf(" %s |", i)
	}
	return cw
}
