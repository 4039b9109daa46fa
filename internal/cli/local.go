package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/lvcoi/ytgate/internal/app"
	"github.com/lvcoi/ytgate/internal/backend"
)

func newInfoCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "info <url>",
		Short: "Print video metadata as JSON using the configured backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, closeLog, err := rt.localBackend()
			if err != nil {
				return err
			}
			defer closeLog()

			md, err := b.FetchMetadata(cmd.Context(), args[0])
			if err != nil {
				return &exitError{code: app.ExitCode(err), err: err}
			}
			return writeJSONValue(rt.out, md)
		},
	}
}

func newDownloadCommand(rt *runtimeState) *cobra.Command {
	var (
		opts   app.Options
		jobs   int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "download <url> [url...]",
		Short: "Download media to a local directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := (backend.MediaRequest{Format: opts.Format, Quality: opts.Quality}).Normalize(); err != nil {
				return &exitError{code: app.ExitCode(err), err: err}
			}
			b, closeLog, err := rt.localBackend()
			if err != nil {
				return err
			}
			defer closeLog()

			results, code := app.Run(cmd.Context(), b, args, opts, jobs)
			if asJSON {
				for _, r := range results {
					if err := writeJSONLine(rt.out, downloadRecord(r)); err != nil {
						return err
					}
				}
			} else {
				writeDownloadResults(rt.out, results)
			}
			if code != app.ExitOK {
				return &exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.OutputDir, "output", "o", ".", "output directory")
	cmd.Flags().StringVarP(&opts.Format, "format", "f", backend.FormatMP4, "container: mp4, webm, mp3 or m4a")
	cmd.Flags().StringVarP(&opts.Quality, "quality", "q", backend.QualityBest, "best, worst or a height such as 720p")
	cmd.Flags().IntVarP(&jobs, "jobs", "j", min(4, runtime.NumCPU()), "number of concurrent downloads")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit one JSON object per URL")
	return cmd
}

// localBackend builds the configured backend with logging at warn unless
// overridden, so progress output stays readable.
func (rt *runtimeState) localBackend() (backend.Backend, func(), error) {
	cfg, err := rt.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	level := "warn"
	if rt.logLevel != "" {
		level = rt.logLevel
	}
	logger, err := newLogger(level)
	if err != nil {
		return nil, nil, err
	}
	closeLog := func() { _ = logger.Sync() }
	b, err := newBackend(cfg, logger.Sugar().Named("backend"))
	if err != nil {
		closeLog()
		return nil, nil, err
	}
	return b, closeLog, nil
}

type resultRecord struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Path     string `json:"path,omitempty"`
	Bytes    int64  `json:"bytes,omitempty"`
	Category string `json:"category,omitempty"`
	Error    string `json:"error,omitempty"`
}

func downloadRecord(r app.Result) resultRecord {
	if r.Err != nil {
		return resultRecord{Type: "error", URL: r.URL, Category: string(backend.CategoryOf(r.Err)), Error: r.Error}
	}
	return resultRecord{Type: "result", URL: r.URL, Path: r.Path, Bytes: r.Bytes}
}

func writeJSONValue(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}

func writeJSONLine(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}
