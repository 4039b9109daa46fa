// Package app runs batch downloads for the command line.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lvcoi/ytgate/internal/backend"
)

// Exit codes, ordered by severity; a batch exits with the worst one seen.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInvalidURL  = 2
	ExitUnavailable = 3
	ExitUnsupported = 4
	ExitNetwork     = 5
	ExitInterrupted = 130
)

type Options struct {
	OutputDir string
	Format    string
	Quality   string
}

type Result struct {
	URL   string `json:"url"`
	Path  string `json:"path,omitempty"`
	Bytes int64  `json:"bytes,omitempty"`
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// Run downloads urls with up to jobs concurrent workers and returns one
// result per submitted URL, plus the exit code for the batch.
func Run(ctx context.Context, b backend.Backend, urls []string, opts Options, jobs int) ([]Result, int) {
	if jobs < 1 {
		jobs = 1
	}

	tasks := make(chan string)
	results := make(chan Result, len(urls))

	var wg sync.WaitGroup
	for range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case url, ok := <-tasks:
					if !ok {
						return
					}
					result := download(ctx, b, url, opts)
					select {
					case results <- result:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	submitted := 0
submit:
	for _, url := range urls {
		select {
		case <-ctx.Done():
			break submit
		case tasks <- url:
			submitted++
		}
	}
	close(tasks)

	go func() {
		wg.Wait()
		close(results)
	}()

	output := make([]Result, 0, submitted)
	exitCode := ExitOK
	for res := range results {
		output = append(output, res)
		if res.Err != nil {
			exitCode = max(exitCode, ExitCode(res.Err))
		}
	}
	if ctx.Err() != nil && (exitCode == ExitOK || len(output) < len(urls)) {
		exitCode = ExitInterrupted
	}
	return output, exitCode
}

// ExitCode maps a download error to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	}
	switch backend.CategoryOf(err) {
	case backend.CategoryInvalidURL:
		return ExitInvalidURL
	case backend.CategoryUnavailable:
		return ExitUnavailable
	case backend.CategoryUnsupported:
		return ExitUnsupported
	case backend.CategoryNetwork:
		return ExitNetwork
	}
	return ExitFailure
}

func download(ctx context.Context, b backend.Backend, url string, opts Options) Result {
	result := Result{URL: url}
	path, n, err := saveMedia(ctx, b, url, opts)
	result.Path, result.Bytes, result.Err = path, n, err
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

func saveMedia(ctx context.Context, b backend.Backend, url string, opts Options) (string, int64, error) {
	media, err := b.StreamMedia(ctx, url, backend.MediaRequest{Format: opts.Format, Quality: opts.Quality})
	if err != nil {
		return "", 0, err
	}
	defer media.Body.Close()

	dir := opts.OutputDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("creating output directory: %w", err)
	}

	f, path, err := createUnique(filepath.Join(dir, media.Filename))
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, &contextReader{ctx: ctx, r: media.Body})
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && media.Size > 0 && n != media.Size {
		err = fmt.Errorf("short download: got %d of %d bytes", n, media.Size)
	}
	if err != nil {
		// Never leave a truncated file behind.
		os.Remove(path)
		return "", n, fmt.Errorf("writing %s: %w", path, err)
	}
	return path, n, nil
}

// createUnique creates path, or the first free "name (n).ext" variant, with
// O_EXCL so concurrent workers never share a file.
func createUnique(path string) (*os.File, string, error) {
	candidate := path
	for {
		f, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, candidate, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("creating output file: %w", err)
		}
		if candidate, err = nextAvailablePath(path); err != nil {
			return nil, "", err
		}
	}
}

func nextAvailablePath(path string) (string, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)

	for i := 1; i < 10000; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", name, i, ext))
		if _, err := os.Stat(candidate); err != nil {
			if os.IsNotExist(err) {
				return candidate, nil
			}
			return "", err
		}
	}
	return "", fmt.Errorf("unable to find available filename for %s", path)
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
