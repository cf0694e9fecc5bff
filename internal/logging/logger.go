// Package logging is the island logger: slog records gated by a 0..5
// verbosity level and by whether ranks other than 0 may print.
//
// Verbosity levels:
//
//	0 critical
//	1 error
//	2 warn
//	3 info (normal output)
//	4 info with extra detail
//	5 debug
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"

	"archipelago/internal/expr"
	"archipelago/internal/model"
)

type Level int

const (
	LevelCritical Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelInfoExtra
	LevelDebug
)

const MaxLevel = LevelDebug

func (l Level) String() string {
	switch l {
	case LevelCritical:
		return "CRITICAL"
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelInfoExtra:
		return "INFO+"
	case LevelDebug:
		return "DEBUG"
	default:
		return "LEVEL(" + strconv.Itoa(int(l)) + ")"
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelCritical:
		return slog.LevelError + 4
	case LevelError:
		return slog.LevelError
	case LevelWarn:
		return slog.LevelWarn
	case LevelInfo:
		return slog.LevelInfo
	case LevelInfoExtra:
		return slog.LevelInfo - 2
	default:
		return slog.LevelDebug
	}
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError+4:
		return LevelCritical.String()
	case l >= slog.LevelError:
		return LevelError.String()
	case l >= slog.LevelWarn:
		return LevelWarn.String()
	case l >= slog.LevelInfo:
		return LevelInfo.String()
	case l >= slog.LevelInfo-2:
		return LevelInfoExtra.String()
	default:
		return LevelDebug.String()
	}
}

type Format string

const (
	FormatAuto Format = ""
	FormatText Format = "text"
	FormatJSON Format = "json"
)

type Config struct {
	Verbosity int
	// AllRanks lets ranks other than 0 print.
	AllRanks bool
	Rank     int
	RunID    string
	// Output defaults to stderr. Text is used on a terminal and JSON
	// otherwise unless Format says so.
	Output io.Writer
	Format Format
	// LogFile, when set, also receives every printed record as JSON.
	LogFile string
	// VarNames substitute variable indices when printing expressions.
	VarNames []string
	// PrettyPrint renders expressions in infix form.
	PrettyPrint bool
}

type Logger struct {
	slog      *slog.Logger
	verbosity Level
	silent    bool
	varNames  []string
	infix     bool

	mu   *sync.Mutex
	file *os.File
}

func New(cfg Config) (*Logger, error) {
	verbosity := Level(cfg.Verbosity)
	if verbosity < LevelCritical {
		verbosity = LevelCritical
	}
	if verbosity > MaxLevel {
		verbosity = MaxLevel
	}
	opts := &slog.HandlerOptions{
		Level:       verbosity.slogLevel(),
		ReplaceAttr: replaceLevel,
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	handlers := []slog.Handler{newHandler(out, cfg.Format, opts)}

	l := &Logger{
		verbosity: verbosity,
		silent:    cfg.Rank != 0 && !cfg.AllRanks,
		varNames:  append([]string(nil), cfg.VarNames...),
		infix:     cfg.PrettyPrint,
		mu:        &sync.Mutex{},
	}
	if cfg.LogFile != "" {
		if dir := filepath.Dir(cfg.LogFile); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create log dir: %w", err)
			}
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = f
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
	}

	var handler slog.Handler = handlers[0]
	if len(handlers) > 1 {
		handler = &multiHandler{handlers: handlers}
	}
	attrs := []slog.Attr{slog.Int("rank", cfg.Rank)}
	if cfg.RunID != "" {
		attrs = append(attrs, slog.String("run_id", cfg.RunID))
	}
	l.slog = slog.New(handler.WithAttrs(attrs))
	return l, nil
}

// SyncWriter serializes writes to w. Loggers built separately around one
// writer each lock only their own handler, so a writer shared between
// goroutines must be wrapped once and the wrapper passed to every Config.
func SyncWriter(w io.Writer) io.Writer {
	if w == nil {
		w = os.Stderr
	}
	if sw, ok := w.(*syncWriter); ok {
		return sw
	}
	return &syncWriter{w: w}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func newHandler(out io.Writer, format Format, opts *slog.HandlerOptions) slog.Handler {
	if format == FormatAuto {
		format = FormatJSON
		target := out
		if sw, ok := out.(*syncWriter); ok {
			target = sw.w
		}
		if f, ok := target.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			format = FormatText
		}
	}
	if format == FormatText {
		return slog.NewTextHandler(out, opts)
	}
	return slog.NewJSONHandler(out, opts)
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok {
			a.Value = slog.StringValue(levelName(lvl))
		}
	}
	return a
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{
		slog:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		silent: true,
		mu:     &sync.Mutex{},
	}
}

// Enabled reports whether a message at level would be printed.
func (l *Logger) Enabled(level Level) bool {
	return l != nil && !l.silent && level <= l.verbosity
}

func (l *Logger) PrintOut(level Level, msg string, args ...any) {
	if !l.Enabled(level) {
		return
	}
	l.slog.Log(context.Background(), level.slogLevel(), msg, args...)
}

// PrintPopulation prints the population size followed by one record per
// individual carrying its index, fitness, size and rendered expression.
func (l *Logger) PrintPopulation(level Level, label string, pop []model.Individual) {
	if !l.Enabled(level) {
		return
	}
	ctx := context.Background()
	lvl := level.slogLevel()
	l.slog.Log(ctx, lvl, label, "population_size", len(pop))
	for idx, ind := range pop {
		l.slog.Log(ctx, lvl, label,
			"index", idx,
			"fitness", formatFitness(ind.Fitness),
			"size", ind.Len(),
			"expr", expr.Format(ind.Expr, l.varNames, l.infix),
		)
	}
}

func formatFitness(f model.Fitness) string {
	if !f.Valid {
		return "invalid"
	}
	parts := make([]string, len(f.Values))
	for i, v := range f.Values {
		parts[i] = strconv.FormatFloat(v, 'g', 6, 64)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (l *Logger) With(args ...any) *Logger {
	clone := *l
	clone.slog = l.slog.With(args...)
	return &clone
}

func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close flushes and closes the log file. Loggers derived with With share
// the file, so only the root logger should be closed.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync log file: %w", err)
	}
	return f.Close()
}

type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}
