package backend

import (
	"mime"
	"regexp"
	"strings"
)

var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]`)

// Sanitize makes a title safe to use as a file name.
func Sanitize(name string) string {
	clean := invalidFilenameChars.ReplaceAllString(name, "-")
	clean = strings.TrimSpace(clean)
	if clean == "" {
		return "video"
	}
	return clean
}

// MimeToExt maps "video/mp4; codecs=..." to "mp4".
func MimeToExt(mimeType string) string {
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	parts := strings.Split(strings.TrimSpace(mimeType), "/")
	if len(parts) == 2 && parts[1] != "" {
		switch parts[1] {
		case "3gpp":
			return "3gp"
		case "mpeg":
			if parts[0] == "audio" {
				return "mp3"
			}
			return "mpg"
		case "mp4":
			if parts[0] == "audio" {
				return "m4a"
			}
			return "mp4"
		default:
			return parts[1]
		}
	}
	return "bin"
}

// ContentTypeForExt returns the MIME type to serve a file extension with.
func ContentTypeForExt(ext string) string {
	switch strings.TrimPrefix(strings.ToLower(ext), ".") {
	case "mp4":
		return "video/mp4"
	case "webm":
		return "video/webm"
	case "m4a":
		return "audio/mp4"
	case "mp3":
		return "audio/mpeg"
	case "opus":
		return "audio/ogg"
	}
	if t := mime.TypeByExtension("." + strings.TrimPrefix(ext, ".")); t != "" {
		return t
	}
	return "application/octet-stream"
}

func baseMimeType(mimeType string) string {
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.TrimSpace(mimeType)
}

func mediaFilename(title, ext string) string {
	return Sanitize(title) + "." + ext
}
