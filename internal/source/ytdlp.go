// Package source talks to the outside world for media bytes and metadata:
// yt-dlp subprocesses for streams, radio playlists and flat searches, with
// a YouTube search fallback for titles.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"golang.org/x/sync/errgroup"

	"github.com/leeineian/cadenza/internal/failure"
	"github.com/leeineian/cadenza/internal/logger"
)

// DefaultFormat prefers webm audio so cached files need no remux.
const DefaultFormat = "bestaudio[ext=webm]/bestaudio"

// Info is what a lookup learns about one identifier.
type Info struct {
	ID       string
	Title    string
	Uploader string
	Duration time.Duration
}

// YTDLP wraps the yt-dlp binary.
type YTDLP struct {
	format string
	proxy  string
	log    *slog.Logger
}

type Option func(*YTDLP)

func WithFormat(f string) Option {
	return func(y *YTDLP) {
		if f != "" {
			y.format = f
		}
	}
}

// WithProxy routes every call through proxy.
func WithProxy(proxy string) Option {
	return func(y *YTDLP) { y.proxy = proxy }
}

func WithLogger(l *slog.Logger) Option {
	return func(y *YTDLP) { y.log = l }
}

func New(opts ...Option) *YTDLP {
	y := &YTDLP{format: DefaultFormat}
	for _, opt := range opts {
		opt(y)
	}
	if y.log == nil {
		y.log = logger.Component("download")
	}
	return y
}

func (y *YTDLP) command() *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings().
		IgnoreConfig()
	if y.proxy != "" {
		cmd.Proxy(y.proxy)
	}
	return cmd
}

// netArgs are the retry knobs shared by every network call.
func netArgs() []string {
	return []string{
		"--socket-timeout", "30",
		"--retries", "10",
		"--fragment-retries", "10",
	}
}

// Open starts a download of target (an identifier or URL) and returns its
// container bytes as they arrive. Reading to EOF reaps the process; a
// non-zero exit surfaces as the final read error.
func (y *YTDLP) Open(ctx context.Context, target string) (io.ReadCloser, error) {
	if !IsURL(target) {
		target = WatchURL(target)
	}
	cmd := y.command().
		Format(y.format).
		Output("-").
		NoSimulate().
		NoPart().
		NoPlaylist().
		NoCheckFormats().
		BuildCommand(ctx, append(netArgs(), target)...)

	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	cmd.Stdout = nil
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr

	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, failure.Wrap(failure.ErrTransfer, err, "yt-dlp stdout for %s", target)
	}
	if err := cmd.Start(); err != nil {
		return nil, failure.Wrap(failure.ErrTransfer, err, "start yt-dlp for %s", target)
	}
	y.log.Debug(fmt.Sprintf("yt-dlp streaming %s (pid %d)", target, cmd.Process.Pid))
	return &procStream{cmd: cmd, out: out, stderr: stderr}, nil
}

// Stream is Open for live passthrough of a direct URL.
func (y *YTDLP) Stream(ctx context.Context, url string) (io.ReadCloser, error) {
	return y.Open(ctx, url)
}

// Metadata looks up title, uploader and duration for id. When yt-dlp fails
// for reasons other than a block, a search for the id fills in the title.
func (y *YTDLP) Metadata(ctx context.Context, id string) (Info, error) {
	target := id
	if !IsURL(target) {
		target = WatchURL(id)
	}
	res, err := y.command().
		Print("%(title)s\t%(uploader)s\t%(duration)s\t%(id)s").
		NoSimulate().
		NoPlaylist().
		Run(ctx, append(netArgs(), "--skip-download", target)...)
	if err != nil {
		err = classify(err, resultStderr(res))
		if errors.Is(err, failure.ErrProviderBlocked) {
			return Info{}, err
		}
		if info, ferr := searchTitle(ctx, ExtractVideoID(target), id); ferr == nil {
			return info, nil
		}
		return Info{}, err
	}
	rows := splitRows(res.Stdout, 4)
	if len(rows) == 0 {
		return Info{}, failure.Wrap(failure.ErrTransfer, nil, "no metadata for %s", id)
	}
	ps := rows[0]
	return Info{ID: ps[3], Title: ps[0], Uploader: clean(ps[1]), Duration: ParseClock(ps[2])}, nil
}

// searchTitle finds id among YouTube search results for it.
func searchTitle(ctx context.Context, id, fallback string) (Info, error) {
	if id == "" {
		id = fallback
	}
	r, err := ytsearch.NewClient(nil).Search(ctx, id)
	if err != nil {
		return Info{}, err
	}
	for _, v := range r.Results {
		if v.VideoID == id {
			return Info{ID: id, Title: v.Title}, nil
		}
	}
	return Info{}, fmt.Errorf("%s not in search results", id)
}

// Search runs a flat "ytsearchN:" query.
func (y *YTDLP) Search(ctx context.Context, query string, n int) ([]Info, error) {
	res, err := y.command().
		FlatPlaylist().
		Print("%(id)s\t%(title)s\t%(uploader)s\t%(duration)s").
		PlaylistItems(fmt.Sprintf("1-%d", n)).
		Run(ctx, append(netArgs(), fmt.Sprintf("ytsearch%d:%s", n, query))...)
	if err != nil {
		return nil, classify(err, resultStderr(res))
	}
	return rowsToInfo(res.Stdout), nil
}

// Related returns radio-playlist neighbours of id, music radio first, with
// id itself and duplicates removed.
func (y *YTDLP) Related(ctx context.Context, id string, limit int) ([]Info, error) {
	urls := []string{
		"https://music.youtube.com/watch?v=" + id + "&list=RDAMVM" + id,
		"https://www.youtube.com/watch?v=" + id + "&list=RD" + id,
	}
	lists := make([][]Info, len(urls))
	errs := make([]error, len(urls))

	var g errgroup.Group
	for i, u := range urls {
		g.Go(func() error {
			lists[i], errs[i] = y.playlist(ctx, u, 20)
			return nil
		})
	}
	_ = g.Wait()

	seen := map[string]bool{id: true}
	var out []Info
	for _, list := range lists {
		for _, info := range list {
			if info.ID == "" || seen[info.ID] {
				continue
			}
			seen[info.ID] = true
			out = append(out, info)
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
	}
	if len(out) == 0 {
		if err := errors.Join(errs...); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (y *YTDLP) playlist(ctx context.Context, u string, n int) ([]Info, error) {
	res, err := y.command().
		FlatPlaylist().
		Print("%(id)s\t%(title)s\t%(uploader)s\t%(duration)s").
		PlaylistItems(fmt.Sprintf("1-%d", n)).
		Run(ctx, append(netArgs(), u)...)
	if err != nil {
		return nil, classify(err, resultStderr(res))
	}
	return rowsToInfo(res.Stdout), nil
}

func resultStderr(res *ytdlp.Result) string {
	if res == nil {
		return ""
	}
	return res.Stderr
}

func rowsToInfo(stdout string) []Info {
	rows := splitRows(stdout, 4)
	out := make([]Info, 0, len(rows))
	for _, ps := range rows {
		out = append(out, Info{ID: ps[0], Title: ps[1], Uploader: clean(ps[2]), Duration: ParseClock(ps[3])})
	}
	return out
}

// splitRows splits tab-separated --print output, dropping short rows.
func splitRows(stdout string, fields int) [][]string {
	var rows [][]string
	for _, l := range strings.Split(strings.TrimSpace(stdout), "\n") {
		ps := strings.Split(l, "\t")
		if len(ps) < fields {
			continue
		}
		rows = append(rows, ps)
	}
	return rows
}

func clean(s string) string {
	if s == "NA" {
		return ""
	}
	return strings.TrimSpace(s)
}

var blockedMarkers = []string{
	"http error 401",
	"http error 403",
	"http error 429",
	"sign in to confirm",
	"too many requests",
	"quota",
}

// Blocked reports whether text looks like an auth or rate-limit refusal.
func Blocked(text string) bool {
	msg := strings.ToLower(text)
	for _, m := range blockedMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func classify(err error, stderr string) error {
	last := lastLine(stderr)
	if Blocked(stderr) || Blocked(err.Error()) {
		return failure.Wrap(failure.ErrProviderBlocked, err, "yt-dlp: %s", last)
	}
	return failure.Wrap(failure.ErrTransfer, err, "yt-dlp: %s", last)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return s
}

// procStream is the stdout of a running yt-dlp.
type procStream struct {
	cmd    *exec.Cmd
	out    io.ReadCloser
	stderr *tailBuffer

	exited atomic.Bool
	once   sync.Once
	err    error
}

func (p *procStream) Read(b []byte) (int, error) {
	n, err := p.out.Read(b)
	if err == io.EOF {
		if werr := p.wait(); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (p *procStream) wait() error {
	p.once.Do(func() {
		if err := p.cmd.Wait(); err != nil {
			p.err = classify(err, p.stderr.String())
		}
		p.exited.Store(true)
	})
	return p.err
}

// Close kills the process if it is still running and reaps it.
func (p *procStream) Close() error {
	if !p.exited.Load() && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.wait()
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
