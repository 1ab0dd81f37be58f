package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// --- Globals & Styles ---

var (
	// Level colors
	infoColor  = color.New()
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed)
	fatalColor = color.New(color.FgRed, color.Bold)

	// Component colors
	componentColors = map[string]*color.Color{
		"DATABASE": color.New(),
		"CACHE":    color.New(color.FgMagenta),
		"RESOLVER": color.New(color.FgBlue),
		"DOWNLOAD": color.New(color.FgGreen),
		"PLAYBACK": color.New(color.FgMagenta, color.Bold),
		"DAEMON":   color.New(color.FgCyan),
	}

	DefaultTimeFormat = "15:04:05"
	LevelFatal        = slog.LevelError + 4

	logFile *os.File
	logMu   sync.Mutex
)

// Options controls where and how much the process logs.
type Options struct {
	Silent   bool
	FilePath string
	Debug    bool
}

// Init installs the colored handler as the slog default. It returns the
// file sink path, if any, so callers can report it.
func Init(opts Options) string {
	logMu.Lock()
	defer logMu.Unlock()

	level := slog.LevelInfo
	if opts.Debug || strings.ToLower(os.Getenv("DEBUG")) == "true" {
		level = slog.LevelDebug
	}

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	var writer io.Writer = os.Stdout
	if opts.FilePath != "" {
		f, err := os.OpenFile(opts.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open %s: %v\n", opts.FilePath, err)
		} else {
			logFile = f
			writer = io.MultiWriter(os.Stdout, NewStripANSIWriter(f))
		}
	}

	slog.SetDefault(slog.New(NewHandler(writer, &HandlerOptions{
		Silent: opts.Silent,
		Level:  level,
	})))

	if logFile != nil {
		return logFile.Name()
	}
	return ""
}

// Close releases the file sink.
func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// Component returns a logger whose records carry the component tag rendered
// by the handler.
func Component(name string) *slog.Logger {
	return slog.Default().With(slog.String("component", name))
}

// Discard is a logger that drops everything. Tests hand it to components.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Public Logging API ---

func Info(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...))
}

func Warn(format string, v ...any) {
	slog.Warn(fmt.Sprintf(format, v...))
}

func Error(format string, v ...any) {
	slog.Error(fmt.Sprintf(format, v...))
}

// Fatal logs and panics so deferred cleanup in main still runs.
func Fatal(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	slog.Log(context.Background(), LevelFatal, msg)
	panic(msg)
}

func Debug(format string, v ...any) {
	slog.Debug(fmt.Sprintf(format, v...))
}

func Database(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "database"))
}

// --- Log Handler Implementation ---

type HandlerOptions struct {
	Silent bool
	Level  slog.Leveler
}

// Handler prints one colored line per record. The component attribute, when
// present, becomes a bracketed tag and picks the line color.
type Handler struct {
	w     io.Writer
	opts  *HandlerOptions
	mu    *sync.Mutex
	attrs []slog.Attr
}

func NewHandler(w io.Writer, opts *HandlerOptions) *Handler {
	if opts == nil {
		opts = &HandlerOptions{Level: slog.LevelInfo}
	}
	return &Handler{
		w:    w,
		opts: opts,
		mu:   &sync.Mutex{},
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	if h.opts.Silent {
		return false
	}
	return level >= h.opts.Level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.opts.Silent {
		return nil
	}

	timeStr := time.Now().Format(DefaultTimeFormat)
	var levelStr string
	var levelColor *color.Color

	switch {
	case r.Level >= LevelFatal:
		levelStr = "FATAL"
		levelColor = fatalColor
	case r.Level >= slog.LevelError:
		levelStr = "ERROR"
		levelColor = errorColor
	case r.Level >= slog.LevelWarn:
		levelStr = "WARN"
		levelColor = warnColor
	case r.Level >= slog.LevelInfo:
		levelStr = "INFO"
		levelColor = infoColor
	default:
		levelStr = "DEBUG"
		levelColor = infoColor
	}

	component := ""
	var extra []string
	collect := func(a slog.Attr) bool {
		if a.Key == "component" {
			component = strings.ToUpper(a.Value.String())
			return true
		}
		extra = append(extra, a.Key+"="+a.Value.String())
		return true
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(collect)

	msg := r.Message
	if len(extra) > 0 {
		msg += " " + strings.Join(extra, " ")
	}

	fmt.Fprintf(h.w, "%s", timeStr)

	if component != "" {
		if levelStr != "INFO" {
			fmt.Fprintf(h.w, " %s", levelColor.Sprintf("[%s]", levelStr))
		}
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(componentColor(component), fmt.Sprintf("[%s] %s", component, msg)))
	} else {
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(levelColor, fmt.Sprintf("[%s] %s", levelStr, msg)))
	}

	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &Handler{w: h.w, opts: h.opts, mu: h.mu, attrs: merged}
}

func (h *Handler) WithGroup(string) slog.Handler { return h }

// --- Formatting Helpers ---

func componentColor(name string) *color.Color {
	if c, ok := componentColors[name]; ok {
		return c
	}
	return color.New(color.FgCyan)
}

func colorizeWithResets(c *color.Color, text string) string {
	if !strings.Contains(text, "\x1b[0m") {
		return c.Sprint(text)
	}

	marker := "@@@MSG@@@"
	wrapped := c.Sprint(marker)
	idx := strings.Index(wrapped, marker)
	if idx <= 0 {
		return text
	}
	startSeq := wrapped[:idx]

	return c.Sprint(strings.ReplaceAll(text, "\x1b[0m", "\x1b[0m"+startSeq))
}

// --- ANSI Stripper ---

type StripANSIWriter struct {
	w  io.Writer
	re *regexp.Regexp
}

func NewStripANSIWriter(w io.Writer) *StripANSIWriter {
	return &StripANSIWriter{
		w:  w,
		re: regexp.MustCompile(`\x1b\[[0-9;]*m`),
	}
}

func (s *StripANSIWriter) Write(p []byte) (n int, err error) {
	_, err = s.w.Write(s.re.ReplaceAll(p, nil))
	return len(p), err
}
