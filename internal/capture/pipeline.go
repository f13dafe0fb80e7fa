package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/felixgeelhaar/rewind/internal/memory"
	"github.com/felixgeelhaar/rewind/internal/observe"
	"github.com/felixgeelhaar/rewind/internal/provider"
)

// Sink is the part of memory.Store that receives captures.
type Sink interface {
	ID() string
	AddRecordAt(captureTime time.Time, mediaRef, description string) (string, error)
	HasMedia(mediaRef string) bool
}

// Options configures a Pipeline.
type Options struct {
	Observer *observe.Observer
}

// Pipeline turns images into pending records: describe first, then store.
type Pipeline struct {
	sink      Sink
	describer provider.Describer
	obs       *observe.Observer
}

func New(sink Sink, describer provider.Describer, opts Options) *Pipeline {
	return &Pipeline{
		sink:      sink,
		describer: describer,
		obs:       observe.OrNop(opts.Observer),
	}
}

// Capture describes img and stores the description as a pending record. If
// the describer fails or returns nothing, the capture is dropped and a
// provider error is returned.
func (p *Pipeline) Capture(ctx context.Context, img provider.Image, mediaRef string, captureTime time.Time) (id string, err error) {
	const op = "capture.capture"
	ctx, span := p.obs.StartSpan(ctx, op, attribute.String("media.ref", mediaRef))
	defer func() { p.obs.EndSpan(span, err) }()

	desc, err := p.describer.Describe(ctx, img)
	if err != nil {
		return "", memory.NewProviderError(op, err)
	}
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return "", memory.NewProviderError(op, errors.New("empty description"))
	}

	return p.sink.AddRecordAt(captureTime, mediaRef, desc)
}

// Report summarizes an ingest run.
type Report struct {
	Found   int
	Added   int
	Skipped int
	Failed  int
}

// Ingest captures every file under root matching one of patterns, oldest
// modification time first. Files already referenced by a record are skipped,
// so running it twice adds nothing. A file the describer rejects is counted
// and skipped.
func (p *Pipeline) Ingest(ctx context.Context, root string, patterns []string) (Report, error) {
	var rep Report

	abs, err := filepath.Abs(root)
	if err != nil {
		return rep, fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	files, err := discover(os.DirFS(abs), patterns)
	if err != nil {
		return rep, err
	}
	rep.Found = len(files)

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		ref := filepath.Join(abs, filepath.FromSlash(f.path))
		if p.sink.HasMedia(ref) {
			rep.Skipped++
			continue
		}

		img, err := provider.LoadImage(ref)
		if err != nil {
			p.obs.Log().Warn().Err(err).Str("file", ref).Msg("skipping unreadable file")
			rep.Failed++
			continue
		}

		id, err := p.Capture(ctx, img, ref, f.modTime)
		switch {
		case err == nil:
			rep.Added++
		case errors.Is(err, memory.ErrProvider):
			p.obs.Log().Warn().Err(err).Str("file", ref).Msg("capture discarded")
			rep.Failed++
		case id != "" && errors.Is(err, memory.ErrIO):
			// Recorded in memory; the write failure belongs to an earlier flush.
			p.obs.Log().Error().Err(err).Str("store", p.sink.ID()).Msg("store write failed")
			rep.Added++
		default:
			return rep, err
		}
	}

	p.obs.Log().Info().Str("store", p.sink.ID()).Int("found", rep.Found).Int("added", rep.Added).
		Int("skipped", rep.Skipped).Int("failed", rep.Failed).Msg("ingest finished")
	return rep, nil
}

type file struct {
	path    string
	modTime time.Time
}

// discover expands patterns against fsys and orders the matches by
// modification time, then path.
func discover(fsys fs.FS, patterns []string) ([]file, error) {
	seen := make(map[string]struct{})
	var files []file
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid pattern %q", pattern)
		}
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to expand %q: %w", pattern, err)
		}
		for _, m := range matches {
			if _, dup := seen[m]; dup {
				continue
			}
			info, err := fs.Stat(fsys, m)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			seen[m] = struct{}{}
			files = append(files, file{path: m, modTime: info.ModTime()})
		}
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.Before(files[j].modTime)
		}
		return files[i].path < files[j].path
	})
	return files, nil
}
