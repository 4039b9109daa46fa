package backend

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	id3v2 "github.com/bogem/id3v2/v2"
	"github.com/kkdai/youtube/v2"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// extractAudio transcodes inputPath into the codec implied by outputPath's
// extension.
func extractAudio(ctx context.Context, inputPath, outputPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kwargs := ffmpeg.KwArgs{"vn": ""}
	switch strings.ToLower(filepath.Ext(outputPath)) {
	case ".mp3":
		kwargs["acodec"] = "libmp3lame"
		kwargs["q:a"] = "2"
	case ".m4a", ".aac":
		kwargs["acodec"] = "aac"
		kwargs["b:a"] = "192k"
	case ".opus", ".webm":
		kwargs["acodec"] = "libopus"
		kwargs["b:a"] = "160k"
	default:
		kwargs["acodec"] = "copy"
	}

	return ffmpeg.Input(inputPath).
		Output(outputPath, kwargs).
		OverWriteOutput().
		Silent(true).
		Run()
}

type audioTags struct {
	Title  string
	Artist string
	Year   int
}

func tagsForVideo(video *youtube.Video) audioTags {
	tags := audioTags{Title: video.Title, Artist: video.Author}
	if !video.PublishDate.IsZero() {
		tags.Year = video.PublishDate.Year()
	}
	return tags
}

func embedID3Tags(path string, tags audioTags) error {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return err
	}
	defer tag.Close()

	if tags.Title != "" {
		tag.SetTitle(tags.Title)
	}
	if tags.Artist != "" {
		tag.SetArtist(tags.Artist)
	}
	if tags.Year != 0 {
		tag.SetYear(strconv.Itoa(tags.Year))
	}
	return tag.Save()
}
