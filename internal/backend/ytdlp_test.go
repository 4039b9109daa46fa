package backend

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeYTDLP understands just enough of yt-dlp's command line for the binary
// backend: -J prints info JSON, -x writes an mp3 next to the -o template and
// anything else streams to stdout.
const fakeYTDLP = `#!/bin/sh
mode=stream
out=""
prev=""
for a in "$@"; do
  case "$a" in
    -J) mode=json ;;
    -x) mode=extract ;;
  esac
  if [ "$prev" = "-o" ]; then out="$a"; fi
  prev="$a"
  last="$a"
done
case "$last" in
  *unavailable*) echo "[youtube] unavailable: Downloading webpage" >&2; echo "ERROR: [youtube] unavailable: Video unavailable" >&2; exit 1 ;;
esac
case "$mode" in
  json) printf '%s' '{"id":"dQw4w9WgXcQ","title":"Test: Video","uploader":"Tester","duration":212.6,"view_count":7,"formats":[{"format_id":"18","ext":"mp4","width":640,"height":360,"vcodec":"avc1","acodec":"mp4a","tbr":500.5,"filesize":1000},{"format_id":"140","ext":"m4a","vcodec":"none","acodec":"mp4a","tbr":128,"filesize_approx":2000,"format_note":"medium"}]}' ;;
  extract) f=$(printf '%s' "$out" | sed 's/%(ext)s/mp3/'); printf 'ID3-fake-mp3' > "$f" ;;
  *) printf 'streamed-bytes' ;;
esac
`

func newFakeBinary(t *testing.T) *Binary {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake yt-dlp is a shell script")
	}
	path := filepath.Join(t.TempDir(), "yt-dlp")
	require.NoError(t, os.WriteFile(path, []byte(fakeYTDLP), 0o755))
	b, err := NewBinary(path, 5*time.Second, nil)
	require.NoError(t, err)
	return b
}

func TestBinaryFetchMetadata(t *testing.T) {
	b := newFakeBinary(t)

	md, err := b.FetchMetadata(context.Background(), testURL)
	require.NoError(t, err)
	assert.Equal(t, "Test: Video", md.Title)
	assert.Equal(t, "Tester", md.Author)
	assert.Equal(t, 212, md.DurationSeconds)
	require.Len(t, md.Formats, 2)
	assert.Equal(t, Format{ID: "18", Ext: "mp4", Quality: "360p", Width: 640, Height: 360, Bitrate: 500_500, Size: 1000}, md.Formats[0])
	assert.True(t, md.Formats[1].AudioOnly)
	assert.Equal(t, int64(2000), md.Formats[1].Size)
	assert.Equal(t, "medium", md.Formats[1].Quality)
}

func TestBinaryUnavailable(t *testing.T) {
	b := newFakeBinary(t)

	_, err := b.FetchMetadata(context.Background(), "https://www.youtube.com/watch?v=unavailable")
	require.Error(t, err)
	assert.Equal(t, CategoryUnavailable, CategoryOf(err))
	assert.Contains(t, err.Error(), "ERROR: [youtube] unavailable: Video unavailable")
}

func TestBinaryStreamMedia(t *testing.T) {
	b := newFakeBinary(t)

	media, err := b.StreamMedia(context.Background(), testURL, MediaRequest{Format: "mp4", Quality: "720p"})
	require.NoError(t, err)
	assert.Equal(t, "Test- Video.mp4", media.Filename)
	assert.Equal(t, int64(-1), media.Size)
	body, err := io.ReadAll(media.Body)
	require.NoError(t, err)
	assert.Equal(t, "streamed-bytes", string(body))
	require.NoError(t, media.Body.Close())
}

func TestBinaryExtractMP3(t *testing.T) {
	b := newFakeBinary(t)

	media, err := b.StreamMedia(context.Background(), testURL, MediaRequest{Format: "mp3"})
	require.NoError(t, err)
	assert.Equal(t, "Test- Video.mp3", media.Filename)
	assert.Equal(t, int64(len("ID3-fake-mp3")), media.Size)
	body, err := io.ReadAll(media.Body)
	require.NoError(t, err)
	assert.Equal(t, "ID3-fake-mp3", string(body))
	require.NoError(t, media.Body.Close())
}

func TestFormatSelector(t *testing.T) {
	cases := map[MediaRequest]string{
		{Format: "mp4", Quality: "best"}:  "best[ext=mp4][acodec!=none][vcodec!=none]/best[ext=mp4]/best",
		{Format: "webm", Quality: "worst"}: "worst[ext=webm][acodec!=none][vcodec!=none]/worst[ext=webm]/worst",
		{Format: "mp4", Quality: "480p"}:  "best[height<=480][ext=mp4][acodec!=none][vcodec!=none]/best[height<=480][ext=mp4]/best[height<=480]",
		{Format: "m4a", Quality: "best"}:  "bestaudio[ext=m4a]/bestaudio",
		{Format: "m4a", Quality: "worst"}: "worstaudio[ext=m4a]/worstaudio",
	}
	for req, want := range cases {
		assert.Equal(t, want, formatSelector(req), "%+v", req)
	}
}

func TestClassifyYTDLPError(t *testing.T) {
	ctx := context.Background()
	cases := map[string]Category{
		"ERROR: Private video. Sign in if you've been granted access": CategoryUnavailable,
		"ERROR: Unsupported URL: https://example.com":                 CategoryInvalidURL,
		"ERROR: Requested format is not available":                    CategoryUnsupported,
		"ERROR: unable to download video data: HTTP Error 503":        CategoryNetwork,
		"ERROR: something else":                                       CategoryBackend,
	}
	for stderr, want := range cases {
		assert.Equal(t, want, CategoryOf(classifyYTDLPError(ctx, io.ErrUnexpectedEOF, stderr)), stderr)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Equal(t, CategoryNetwork, CategoryOf(classifyYTDLPError(cancelled, io.ErrUnexpectedEOF, "")))
}

func TestTailBufferKeepsEnd(t *testing.T) {
	tb := &tailBuffer{limit: 5}
	_, _ = tb.Write([]byte("abc"))
	_, _ = tb.Write([]byte("defgh"))
	assert.Equal(t, "defgh", tb.String())
}
