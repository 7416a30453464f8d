package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"media-fetch-service/internal/config"
	"media-fetch-service/internal/domain"
	"media-fetch-service/internal/domain/model"
	"media-fetch-service/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.MediaFetcher = (*Runner)(nil)

const (
	videoFormat = "bestvideo[vcodec^=avc]+bestaudio[acodec^=mp4a]/best"
	// child processes that ignore the kill keep our pipes open; stop waiting after this
	pipeWaitDelay = 3 * time.Second
)

// Runner supervises one yt-dlp process per call.
type Runner struct {
	binary      string
	scratchDir  string
	infoTimeout time.Duration
	stderrLimit int
	maxFileSize int64
	log         *zerolog.Logger
}

func NewRunner(cfg config.FetcherConfig, logger *zerolog.Logger) (*Runner, error) {
	if strings.TrimSpace(cfg.Binary) == "" {
		return nil, fmt.Errorf("fetcher binary is required")
	}
	if strings.TrimSpace(cfg.ScratchDir) == "" {
		return nil, fmt.Errorf("scratch directory is required")
	}
	dir, err := filepath.Abs(cfg.ScratchDir)
	if err != nil {
		return nil, fmt.Errorf("resolve scratch dir %s: %w", cfg.ScratchDir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir %s: %w", dir, err)
	}
	limit := cfg.StderrLimit
	if limit <= 0 {
		limit = 8 << 10
	}
	return &Runner{
		binary:      cfg.Binary,
		scratchDir:  dir,
		infoTimeout: cfg.InfoTimeout,
		stderrLimit: limit,
		maxFileSize: cfg.MaxFileSize,
		log:         logger,
	}, nil
}

func (r *Runner) ScratchDir() string { return r.scratchDir }

type infoJSON struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Thumbnail string  `json:"thumbnail"`
	Duration  float64 `json:"duration"`
	Uploader  string  `json:"uploader"`
}

// Info asks the tool for metadata only.
func (r *Runner) Info(ctx context.Context, url string) (*model.MediaInfo, error) {
	if r.infoTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.infoTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.binary, "--dump-json", "--no-playlist", "--skip-download", url)
	cmd.WaitDelay = pipeWaitDelay
	var stdout bytes.Buffer
	stderr := &tailBuffer{limit: r.stderrLimit}
	var errLines []string
	stderrW := newLineWriter(func(line string) {
		stderr.add(line)
		if strings.HasPrefix(line, "ERROR:") {
			errLines = append(errLines, line)
		}
	})
	cmd.Stdout = &stdout
	cmd.Stderr = stderrW

	err := cmd.Run()
	stderrW.Flush()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("info: %w", ctx.Err())
		}
		return nil, toolError("info", err, diagnostic(stderr.String(), errLines))
	}

	var raw infoJSON
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &raw); err != nil {
		return nil, &domain.ToolError{Op: "info", ExitCode: 0, Diagnostic: "unreadable metadata: " + err.Error()}
	}
	return &model.MediaInfo{
		ID:              raw.ID,
		Title:           raw.Title,
		Thumbnail:       raw.Thumbnail,
		DurationSeconds: raw.Duration,
		Uploader:        raw.Uploader,
	}, nil
}

// Fetch downloads req.URL into the scratch directory.
func (r *Runner) Fetch(ctx context.Context, req adapter.FetchRequest, progress chan<- float64) (*adapter.FetchOutcome, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, fmt.Errorf("url is required: %w", domain.ErrInvalidArgument)
	}
	if strings.TrimSpace(req.Token) == "" {
		return nil, fmt.Errorf("token is required: %w", domain.ErrInvalidArgument)
	}
	args := r.fetchArgs(req)
	log := r.log.With().Str("token", req.Token).Logger()
	log.Debug().Strs("args", args).Msg("starting yt-dlp")

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.WaitDelay = pipeWaitDelay

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	var (
		lastDest  string
		stderrBuf = &tailBuffer{limit: r.stderrLimit}
		errLines  []string
		wg        sync.WaitGroup
	)

	onStdout := func(line string) {
		if v, ok := parseProgress(line); ok && progress != nil && ctx.Err() == nil {
			select {
			case progress <- v:
			case <-ctx.Done():
			}
		}
		if p, ok := parseDestination(line); ok {
			lastDest = p
		}
	}
	onStderr := func(line string) {
		stderrBuf.add(line)
		if strings.HasPrefix(line, "ERROR:") && len(errLines) < 20 {
			errLines = append(errLines, line)
		}
	}

	read := func(rd io.Reader, handle func(string)) {
		defer wg.Done()
		scanner := bufio.NewScanner(rd)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		scanner.Split(splitByNewlineOrCR)
		for scanner.Scan() {
			handle(scanner.Text())
		}
		// keep draining so the child never blocks on a full pipe
		_, _ = io.Copy(io.Discard, rd)
	}

	if err := cmd.Start(); err != nil {
		_ = stdoutW.Close()
		_ = stderrW.Close()
		return nil, &domain.ToolError{Op: "fetch", ExitCode: -1, Diagnostic: err.Error()}
	}
	wg.Add(2)
	go read(stdoutR, onStdout)
	go read(stderrR, onStderr)

	waitErr := cmd.Wait()
	_ = stdoutW.Close()
	_ = stderrW.Close()
	wg.Wait()

	if waitErr != nil {
		r.removeLeftovers(req.Token)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch interrupted: %w", ctx.Err())
		}
		diag := diagnostic(stderrBuf.String(), errLines)
		log.Warn().Err(waitErr).Str("diagnostic", diag).Msg("yt-dlp exited with failure")
		return nil, toolError("fetch", waitErr, diag)
	}

	path, size, ok := r.resolveArtifact(lastDest, req.Token)
	if !ok {
		r.removeLeftovers(req.Token)
		log.Warn().Str("last_destination", lastDest).Msg("yt-dlp succeeded but produced no file")
		return nil, domain.ErrArtifactNotFound
	}
	return &adapter.FetchOutcome{Path: path, Size: size}, nil
}

func (r *Runner) fetchArgs(req adapter.FetchRequest) []string {
	template := filepath.Join(r.scratchDir, "%(id)s-"+req.Token+".%(ext)s")
	args := []string{"--newline", "--no-playlist", "--no-mtime"}
	if r.maxFileSize > 0 {
		args = append(args, "--max-filesize", strconv.FormatInt(r.maxFileSize, 10))
	}
	args = append(args, "-o", template)
	if req.Mode == model.ModeAudio {
		args = append(args, "-x", "--audio-format", "mp3")
	} else {
		args = append(args, "-f", videoFormat, "--merge-output-format", "mp4")
	}
	return append(args, req.URL)
}

// resolveArtifact trusts the last announced destination when it exists on disk,
// otherwise looks for the newest finished file carrying the token.
func (r *Runner) resolveArtifact(lastDest, token string) (string, int64, bool) {
	if lastDest != "" {
		p := lastDest
		if !filepath.IsAbs(p) {
			p = filepath.Join(r.scratchDir, p)
		}
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return p, st.Size(), true
		}
	}
	matches := r.tokenFiles(token, false)
	if len(matches) == 0 {
		return "", 0, false
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].mod.After(matches[j].mod) })
	return matches[0].path, matches[0].size, true
}

type scratchFile struct {
	path string
	size int64
	mod  time.Time
}

func (r *Runner) tokenFiles(token string, includePartial bool) []scratchFile {
	entries, err := os.ReadDir(r.scratchDir)
	if err != nil {
		return nil
	}
	var out []scratchFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.Contains(name, token) {
			continue
		}
		if !includePartial && isPartial(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, scratchFile{path: filepath.Join(r.scratchDir, name), size: info.Size(), mod: info.ModTime()})
	}
	return out
}

func (r *Runner) removeLeftovers(token string) {
	for _, f := range r.tokenFiles(token, true) {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.log.Warn().Err(err).Str("path", f.path).Msg("could not remove leftover file")
		}
	}
}

func isPartial(name string) bool {
	for _, ext := range []string{".part", ".ytdl", ".temp"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return strings.Contains(name, ".part-Frag")
}

func toolError(op string, err error, diag string) *domain.ToolError {
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	if diag == "" {
		diag = err.Error()
	}
	return &domain.ToolError{Op: op, ExitCode: code, Diagnostic: diag}
}

// lineWriter feeds complete lines written to it into fn.
type lineWriter struct {
	mu  sync.Mutex
	buf []byte
	fn  func(string)
}

func newLineWriter(fn func(string)) *lineWriter { return &lineWriter{fn: fn} }

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexAny(w.buf, "\r\n")
		if i < 0 {
			break
		}
		if i > 0 {
			w.fn(string(w.buf[:i]))
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.fn(string(w.buf))
		w.buf = nil
	}
}
