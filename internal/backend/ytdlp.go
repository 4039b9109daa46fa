package backend

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
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Binary shells out to a yt-dlp executable. Metadata comes from -J; media is
// read from the process's stdout.
type Binary struct {
	path    string
	timeout time.Duration
	log     *zap.SugaredLogger
}

var _ Backend = (*Binary)(nil)

func NewBinary(path string, timeout time.Duration, log *zap.SugaredLogger) (*Binary, error) {
	if path == "" {
		path = "yt-dlp"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("yt-dlp not found at %q: %w", path, err)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Binary{path: resolved, timeout: timeout, log: log}, nil
}

func (b *Binary) Name() string { return "binary" }

type ytdlpFormat struct {
	FormatID       string  `json:"format_id"`
	Ext            string  `json:"ext"`
	FormatNote     string  `json:"format_note"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	VCodec         string  `json:"vcodec"`
	ACodec         string  `json:"acodec"`
	TBR            float64 `json:"tbr"`
	Filesize       float64 `json:"filesize"`
	FilesizeApprox float64 `json:"filesize_approx"`
}

type ytdlpInfo struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Uploader    string        `json:"uploader"`
	Channel     string        `json:"channel"`
	Duration    float64       `json:"duration"`
	ViewCount   int           `json:"view_count"`
	Thumbnail   string        `json:"thumbnail"`
	Description string        `json:"description"`
	Formats     []ytdlpFormat `json:"formats"`
}

func (b *Binary) FetchMetadata(ctx context.Context, rawURL string) (*Metadata, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}
	info, err := b.info(ctx, u)
	if err != nil {
		return nil, err
	}
	return info.metadata(), nil
}

func (b *Binary) info(ctx context.Context, u string) (*ytdlpInfo, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, b.path, "-J", "--no-playlist", "--no-warnings", u)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, classifyYTDLPError(ctx, err, stderr.String())
	}
	var info ytdlpInfo
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return nil, wrapCategory(CategoryBackend, fmt.Errorf("decoding yt-dlp output: %w", err))
	}
	return &info, nil
}

func (b *Binary) StreamMedia(ctx context.Context, rawURL string, req MediaRequest) (*Media, error) {
	req, err := req.Normalize()
	if err != nil {
		return nil, err
	}
	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}
	info, err := b.info(ctx, u)
	if err != nil {
		return nil, err
	}
	if req.Format == FormatMP3 {
		return b.extractMP3(ctx, u, info)
	}

	args := []string{"-f", formatSelector(req), "-o", "-", "--no-playlist", "--no-part", "--quiet", "--no-warnings", u}
	cmd := exec.CommandContext(ctx, b.path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, wrapCategory(CategoryBackend, err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, wrapCategory(CategoryBackend, fmt.Errorf("starting yt-dlp: %w", err))
	}

	pr := &processReader{r: bufio.NewReaderSize(stdout, 64*1024), cmd: cmd, stderr: stderr, ctx: ctx}
	// A failure before the first byte is reported as an error, not an empty
	// download.
	if _, err := pr.r.Peek(1); err != nil {
		waitErr := pr.wait()
		if waitErr == nil {
			waitErr = errors.New("yt-dlp produced no output")
		}
		return nil, waitErr
	}
	b.log.Debugw("yt-dlp stream started", "id", info.ID, "format", req.Format, "quality", req.Quality)
	return &Media{
		Body:        pr,
		Size:        -1,
		Filename:    mediaFilename(info.Title, req.Format),
		ContentType: ContentTypeForExt(req.Format),
	}, nil
}

func (b *Binary) extractMP3(ctx context.Context, u string, info *ytdlpInfo) (*Media, error) {
	dir, err := os.MkdirTemp("", "ytgate-ytdlp-*")
	if err != nil {
		return nil, wrapCategory(CategoryBackend, err)
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, b.path,
		"-f", "bestaudio/best", "-x", "--audio-format", "mp3",
		"--no-playlist", "--quiet", "--no-warnings",
		"-o", filepath.Join(dir, "audio.%(ext)s"), u)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.RemoveAll(dir)
		return nil, classifyYTDLPError(ctx, err, stderr.String())
	}
	f, err := os.Open(filepath.Join(dir, "audio.mp3"))
	if err != nil {
		os.RemoveAll(dir)
		return nil, wrapCategory(CategoryBackend, fmt.Errorf("yt-dlp did not produce an mp3: %w", err))
	}
	size := int64(-1)
	if fi, err := f.Stat(); err == nil {
		size = fi.Size()
	}
	return &Media{
		Body:        &tempFile{File: f, dir: dir},
		Size:        size,
		Filename:    mediaFilename(info.Title, FormatMP3),
		ContentType: ContentTypeForExt(FormatMP3),
	}, nil
}

func formatSelector(req MediaRequest) string {
	if req.AudioOnly() {
		ext := "[ext=" + req.Format + "]"
		if req.Quality == QualityWorst {
			return "worstaudio" + ext + "/worstaudio"
		}
		return "bestaudio" + ext + "/bestaudio"
	}
	ext := "[ext=" + req.Format + "]"
	progressive := "[acodec!=none][vcodec!=none]"
	switch {
	case req.Quality == QualityWorst:
		return "worst" + ext + progressive + "/worst" + ext + "/worst"
	case req.MaxHeight() > 0:
		h := fmt.Sprintf("[height<=%d]", req.MaxHeight())
		return "best" + h + ext + progressive + "/best" + h + ext + "/best" + h
	default:
		return "best" + ext + progressive + "/best" + ext + "/best"
	}
}

func (info *ytdlpInfo) metadata() *Metadata {
	author := info.Uploader
	if author == "" {
		author = info.Channel
	}
	md := &Metadata{
		ID:              info.ID,
		Title:           info.Title,
		Author:          author,
		DurationSeconds: int(info.Duration),
		Views:           info.ViewCount,
		Thumbnail:       info.Thumbnail,
		Description:     info.Description,
		Formats:         make([]Format, 0, len(info.Formats)),
	}
	for _, f := range info.Formats {
		audioOnly := f.VCodec == "none" && f.ACodec != "" && f.ACodec != "none"
		size := int64(f.Filesize)
		if size == 0 {
			size = int64(f.FilesizeApprox)
		}
		quality := f.FormatNote
		if quality == "" && f.Height > 0 {
			quality = fmt.Sprintf("%dp", f.Height)
		}
		md.Formats = append(md.Formats, Format{
			ID:        f.FormatID,
			Ext:       f.Ext,
			Quality:   quality,
			Width:     f.Width,
			Height:    f.Height,
			Bitrate:   int(f.TBR * 1000),
			AudioOnly: audioOnly,
			Size:      size,
		})
	}
	return md
}

func classifyYTDLPError(ctx context.Context, err error, stderr string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return wrapCategory(CategoryNetwork, ctxErr)
	}
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = err.Error()
	}
	// yt-dlp prints the useful line last.
	if i := strings.LastIndex(msg, "\n"); i >= 0 {
		msg = strings.TrimSpace(msg[i+1:])
	}
	wrapped := fmt.Errorf("yt-dlp: %s: %w", msg, err)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "video unavailable"),
		strings.Contains(lower, "private video"),
		strings.Contains(lower, "has been removed"),
		strings.Contains(lower, "sign in to confirm"):
		return wrapCategory(CategoryUnavailable, wrapped)
	case strings.Contains(lower, "unsupported url"), strings.Contains(lower, "is not a valid url"):
		return wrapCategory(CategoryInvalidURL, wrapped)
	case strings.Contains(lower, "requested format is not available"):
		return wrapCategory(CategoryUnsupported, wrapped)
	case strings.Contains(lower, "unable to download"), strings.Contains(lower, "timed out"):
		return wrapCategory(CategoryNetwork, wrapped)
	}
	return wrapCategory(CategoryBackend, wrapped)
}

// processReader streams a child's stdout. A non-zero exit after the last
// byte surfaces as a read error instead of a silent truncation. Close kills
// the process if it is still running and reaps it.
type processReader struct {
	r      *bufio.Reader
	cmd    *exec.Cmd
	stderr *tailBuffer
	ctx    context.Context

	once    sync.Once
	waitErr error
}

func (p *processReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if errors.Is(err, io.EOF) {
		if waitErr := p.wait(); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

func (p *processReader) Close() error {
	if p.cmd.ProcessState == nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.wait()
	return nil
}

func (p *processReader) wait() error {
	p.once.Do(func() {
		if err := p.cmd.Wait(); err != nil {
			p.waitErr = classifyYTDLPError(p.ctx, err, p.stderr.String())
		}
	})
	return p.waitErr
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
