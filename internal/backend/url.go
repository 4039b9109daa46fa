package backend

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var videoIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

var youtubeHosts = map[string]struct{}{
	"youtube.com":       {},
	"m.youtube.com":     {},
	"youtu.be":          {},
	"music.youtube.com": {},
}

// ValidateURL checks that raw is an http(s) YouTube video link and returns
// its canonical watch URL.
func ValidateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", wrapCategory(CategoryInvalidURL, errors.New("url is required"))
	}
	if _, err := validateInputURL(raw); err != nil {
		return "", err
	}
	if !IsYouTubeURL(raw) {
		return "", wrapCategory(CategoryInvalidURL, errors.New("only YouTube links are supported"))
	}
	id, ok := VideoID(raw)
	if !ok {
		return "", wrapCategory(CategoryInvalidURL, errors.New("link does not point to a single video"))
	}
	return watchURLForID(id), nil
}

func validateInputURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", wrapCategory(CategoryInvalidURL, fmt.Errorf("invalid URL: %w", err))
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", wrapCategory(CategoryInvalidURL, fmt.Errorf("invalid URL: missing scheme or host"))
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return "", wrapCategory(CategoryInvalidURL, fmt.Errorf("unsupported URL scheme: %s", parsed.Scheme))
	}
	return parsed.String(), nil
}

func IsYouTubeURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	_, ok := youtubeHosts[normalizeHostname(parsed)]
	return ok
}

// normalizeHostname returns the lowercase hostname without "www." or a port.
func normalizeHostname(parsed *url.URL) string {
	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// ConvertMusicURL rewrites music.youtube.com and m.youtube.com links onto
// www.youtube.com and drops the "si" share tracker.
func ConvertMusicURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}
	switch normalizeHostname(parsed) {
	case "music.youtube.com", "m.youtube.com":
	default:
		return u
	}
	parsed.Host = "www.youtube.com"
	query := parsed.Query()
	delete(query, "si")
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// NormalizeYouTubeURL converts youtu.be, /shorts/, /live/ and /embed/ forms
// to watch?v=.
func NormalizeYouTubeURL(u string) string {
	u = ConvertMusicURL(u)
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}
	host := normalizeHostname(parsed)
	if host != "youtube.com" && host != "youtu.be" {
		return u
	}
	query := parsed.Query()
	if host == "youtu.be" {
		id := strings.Trim(parsed.Path, "/")
		if id != "" {
			query.Set("v", id)
			parsed.Host = "www.youtube.com"
			parsed.Path = "/watch"
			parsed.RawQuery = query.Encode()
		}
		return parsed.String()
	}

	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(parts) >= 2 && (parts[0] == "live" || parts[0] == "shorts" || parts[0] == "embed") {
		if query.Get("v") == "" && parts[1] != "" {
			query.Set("v", parts[1])
		}
		parsed.Path = "/watch"
		parsed.RawQuery = query.Encode()
		return parsed.String()
	}
	return u
}

// VideoID extracts the 11 character video ID from any supported link form.
func VideoID(raw string) (string, bool) {
	parsed, err := url.Parse(NormalizeYouTubeURL(raw))
	if err != nil {
		return "", false
	}
	id := parsed.Query().Get("v")
	if !videoIDRegex.MatchString(id) {
		return "", false
	}
	return id, true
}

func watchURLForID(id string) string {
	if id == "" {
		return ""
	}
	return "https://www.youtube.com/watch?v=" + id
}
