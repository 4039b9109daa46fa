package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kkdai/youtube/v2"
	"go.uber.org/zap"
)

// videoClient is the subset of *youtube.Client the library backend needs.
type videoClient interface {
	GetVideoContext(ctx context.Context, url string) (*youtube.Video, error)
	GetStreamContext(ctx context.Context, video *youtube.Video, format *youtube.Format) (io.ReadCloser, int64, error)
}

// Library talks to YouTube directly through kkdai/youtube. mp3 output is
// produced by transcoding the best audio rendition with ffmpeg.
type Library struct {
	client  videoClient
	timeout time.Duration
	log     *zap.SugaredLogger

	transcode       func(ctx context.Context, inputPath, outputPath string) error
	ffmpegAvailable func() bool
}

var _ Backend = (*Library)(nil)

func NewLibrary(timeout time.Duration, log *zap.SugaredLogger) *Library {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Library{
		// Streams can run far longer than any sensible client timeout; metadata
		// calls are bounded by a context deadline instead.
		client:          &youtube.Client{HTTPClient: newHTTPClient(0)},
		timeout:         timeout,
		log:             log,
		transcode:       extractAudio,
		ffmpegAvailable: ffmpegAvailable,
	}
}

func (l *Library) Name() string { return "library" }

func (l *Library) FetchMetadata(ctx context.Context, rawURL string) (*Metadata, error) {
	video, err := l.video(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return metadataFromVideo(video), nil
}

func (l *Library) StreamMedia(ctx context.Context, rawURL string, req MediaRequest) (*Media, error) {
	req, err := req.Normalize()
	if err != nil {
		return nil, err
	}
	video, err := l.video(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	format, err := selectFormat(video, req)
	if err != nil {
		return nil, err
	}
	l.log.Debugw("Selected format", "id", video.ID, "itag", format.ItagNo, "mime", format.MimeType, "height", format.Height)

	if req.Format == FormatMP3 {
		return l.streamMP3(ctx, video, format)
	}

	stream, size, err := l.client.GetStreamContext(ctx, video, format)
	if err != nil {
		return nil, classifyYouTubeError(fmt.Errorf("opening stream: %w", err))
	}
	if size <= 0 {
		size = format.ContentLength
	}
	if size <= 0 {
		size = -1
	}
	return &Media{
		Body:        stream,
		Size:        size,
		Filename:    mediaFilename(video.Title, req.Format),
		ContentType: ContentTypeForExt(req.Format),
	}, nil
}

func (l *Library) video(ctx context.Context, rawURL string) (*youtube.Video, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	video, err := l.client.GetVideoContext(ctx, u)
	if err != nil {
		return nil, classifyYouTubeError(fmt.Errorf("fetching video: %w", err))
	}
	return video, nil
}

func (l *Library) streamMP3(ctx context.Context, video *youtube.Video, format *youtube.Format) (media *Media, err error) {
	if !l.ffmpegAvailable() {
		return nil, wrapCategory(CategoryUnsupported, errors.New("mp3 output requires ffmpeg on the server"))
	}

	dir, err := os.MkdirTemp("", "ytgate-mp3-*")
	if err != nil {
		return nil, wrapCategory(CategoryBackend, fmt.Errorf("creating temp dir: %w", err))
	}
	defer func() {
		if err != nil {
			os.RemoveAll(dir)
		}
	}()

	stream, _, err := l.client.GetStreamContext(ctx, video, format)
	if err != nil {
		return nil, classifyYouTubeError(fmt.Errorf("opening audio stream: %w", err))
	}
	srcPath := filepath.Join(dir, "source."+MimeToExt(format.MimeType))
	if err := writeFile(ctx, srcPath, stream); err != nil {
		return nil, wrapCategory(CategoryNetwork, fmt.Errorf("downloading audio: %w", err))
	}

	outPath := filepath.Join(dir, "audio.mp3")
	if err := l.transcode(ctx, srcPath, outPath); err != nil {
		return nil, wrapCategory(CategoryBackend, fmt.Errorf("ffmpeg transcode failed: %w", err))
	}
	if err := embedID3Tags(outPath, tagsForVideo(video)); err != nil {
		l.log.Warnw("Tag embedding failed", "id", video.ID, "error", err)
	}

	f, err := os.Open(outPath)
	if err != nil {
		return nil, wrapCategory(CategoryBackend, err)
	}
	size := int64(-1)
	if fi, statErr := f.Stat(); statErr == nil {
		size = fi.Size()
	}
	return &Media{
		Body:        &tempFile{File: f, dir: dir},
		Size:        size,
		Filename:    mediaFilename(video.Title, FormatMP3),
		ContentType: ContentTypeForExt(FormatMP3),
	}, nil
}

func selectFormat(video *youtube.Video, req MediaRequest) (*youtube.Format, error) {
	audioOnly := req.AudioOnly()
	lowest := req.Quality == QualityWorst
	maxHeight := req.MaxHeight()

	var best *youtube.Format
	for i := range video.Formats {
		f := &video.Formats[i]
		if f.AudioChannels == 0 {
			continue
		}
		isAudio := f.Width == 0 && f.Height == 0
		if isAudio != audioOnly || !matchesContainer(f, req.Format) {
			continue
		}
		if maxHeight > 0 && f.Height > maxHeight {
			continue
		}
		if best == nil || betterFormat(f, best, audioOnly, lowest) {
			best = f
		}
	}

	if best == nil && req.Format == FormatMP3 {
		// No audio-only rendition: extract the track from a progressive one.
		return selectFormat(video, MediaRequest{Format: FormatMP4, Quality: QualityBest})
	}
	if best == nil {
		if audioOnly {
			return nil, wrapCategory(CategoryUnsupported, fmt.Errorf("no %s audio formats available", req.Format))
		}
		return nil, wrapCategory(CategoryUnsupported, fmt.Errorf("no progressive %s formats available at %s", req.Format, req.Quality))
	}
	return best, nil
}

func matchesContainer(f *youtube.Format, format string) bool {
	mime := baseMimeType(f.MimeType)
	switch format {
	case FormatMP4:
		return mime == "video/mp4"
	case FormatWebM:
		return mime == "video/webm"
	case FormatM4A:
		return mime == "audio/mp4"
	case FormatMP3:
		return strings.HasPrefix(mime, "audio/")
	}
	return false
}

func betterFormat(candidate, current *youtube.Format, audioOnly, lowest bool) bool {
	better := func(a, b int) bool {
		if lowest {
			return a < b
		}
		return a > b
	}
	if !audioOnly && candidate.Height != current.Height {
		return better(candidate.Height, current.Height)
	}
	return better(bitrateForFormat(candidate), bitrateForFormat(current))
}

func bitrateForFormat(f *youtube.Format) int {
	if f.Bitrate > 0 {
		return f.Bitrate
	}
	return f.AverageBitrate
}

func metadataFromVideo(video *youtube.Video) *Metadata {
	md := &Metadata{
		ID:              video.ID,
		Title:           video.Title,
		Author:          video.Author,
		DurationSeconds: int(video.Duration.Seconds()),
		Views:           video.Views,
		Description:     video.Description,
		Formats:         make([]Format, 0, len(video.Formats)),
	}
	var widest uint
	for _, th := range video.Thumbnails {
		if th.Width >= widest {
			widest = th.Width
			md.Thumbnail = th.URL
		}
	}
	for _, f := range video.Formats {
		quality := f.QualityLabel
		if quality == "" {
			quality = f.AudioQuality
		}
		md.Formats = append(md.Formats, Format{
			ID:        strconv.Itoa(f.ItagNo),
			MimeType:  f.MimeType,
			Ext:       MimeToExt(f.MimeType),
			Quality:   quality,
			Width:     f.Width,
			Height:    f.Height,
			Bitrate:   bitrateForFormat(&f),
			AudioOnly: f.Width == 0 && f.Height == 0 && f.AudioChannels > 0,
			Size:      f.ContentLength,
		})
	}
	return md
}

func classifyYouTubeError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return wrapCategory(CategoryNetwork, err)
	case errors.Is(err, youtube.ErrVideoPrivate),
		errors.Is(err, youtube.ErrLoginRequired),
		errors.Is(err, youtube.ErrNotPlayableInEmbed):
		return wrapCategory(CategoryUnavailable, err)
	case errors.Is(err, youtube.ErrInvalidCharactersInVideoID),
		errors.Is(err, youtube.ErrVideoIDMinLength):
		return wrapCategory(CategoryInvalidURL, err)
	}

	var playability youtube.ErrPlayabiltyStatus
	if errors.As(err, &playability) {
		return wrapCategory(CategoryUnavailable, err)
	}
	var status youtube.ErrUnexpectedStatusCode
	if errors.As(err, &status) {
		switch int(status) {
		case http.StatusNotFound, http.StatusGone:
			return wrapCategory(CategoryUnavailable, err)
		case http.StatusForbidden, http.StatusTooManyRequests:
			return wrapCategory(CategoryBackend, err)
		}
		return wrapCategory(CategoryNetwork, err)
	}
	return wrapCategory(CategoryOf(err), err)
}

func ffmpegAvailable() bool {
	_, err := exec.LookPath("ffmpeg")
	return err == nil
}

// tempFile removes its directory when closed.
type tempFile struct {
	*os.File
	dir string
}

func (t *tempFile) Close() error {
	err := t.File.Close()
	if rmErr := os.RemoveAll(t.dir); err == nil {
		err = rmErr
	}
	return err
}

func writeFile(ctx context.Context, path string, src io.ReadCloser) error {
	defer src.Close()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := copyWithContext(ctx, f, src); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// copyWithContext is io.Copy that stops between reads once ctx is done.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, &contextReader{ctx: ctx, r: src})
}
