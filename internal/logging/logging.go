package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

const (
	permission = 0664
)

// Builder assembles a zerolog logger from a writer, a file path, or both.
type Builder struct {
	writer  io.Writer
	path    string
	level   zerolog.Level
	console bool
	fields  map[string]string
}

// Log is a built logger plus the file it writes to, if any.
type Log struct {
	Logger  zerolog.Logger
	LogFile *os.File
}

func New() *Builder {
	return &Builder{level: zerolog.InfoLevel}
}

func (b *Builder) FromPath(path string) *Builder {
	b.path = path
	return b
}

func (b *Builder) FromBuffer(w io.Writer) *Builder {
	b.writer = w
	return b
}

// Console renders human readable lines instead of JSON.
func (b *Builder) Console(on bool) *Builder {
	b.console = on
	return b
}

// Level parses a zerolog level name; unknown names keep the current level.
func (b *Builder) Level(name string) *Builder {
	if lvl, err := zerolog.ParseLevel(name); err == nil && name != "" {
		b.level = lvl
	}
	return b
}

func (b *Builder) With(key, value string) *Builder {
	if b.fields == nil {
		b.fields = make(map[string]string)
	}
	b.fields[key] = value
	return b
}

func (b *Builder) Make() (*Log, error) {
	out := &Log{}
	var w io.Writer = os.Stderr
	if b.writer != nil {
		w = b.writer
	}
	if b.path != "" {
		f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, err
		}
		out.LogFile = f
		w = zerolog.SyncWriter(f)
	}
	if b.console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05", NoColor: b.path != ""}
	}
	ctx := zerolog.New(w).Level(b.level).With().Timestamp()
	for k, v := range b.fields {
		ctx = ctx.Str(k, v)
	}
	out.Logger = ctx.Logger()
	return out, nil
}

// Close releases the log file.
func (l *Log) Close() error {
	if l.LogFile == nil {
		return nil
	}
	return l.LogFile.Close()
}
