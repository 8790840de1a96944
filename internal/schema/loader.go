package schema

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"duck-semantic/internal/domain"

	"golang.org/x/sync/errgroup"
)

const defaultLoadConcurrency = 8

// Loader reads every model module of a Source and compiles the result.
type Loader struct {
	source      Source
	opts        Options
	logger      *slog.Logger
	concurrency int
}

// NewLoader creates a loader over src.
func NewLoader(src Source, opts Options, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{source: src, opts: opts, logger: logger, concurrency: defaultLoadConcurrency}
}

// Load fetches and parses all modules concurrently and only builds the symbol
// table once every module has settled. Modules are merged in name order, so
// the result does not depend on fetch timing.
func (l *Loader) Load(ctx context.Context) (*Compiled, error) {
	start := time.Now()
	names, err := l.source.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, domain.ErrUser("no model files found in %s", l.source)
	}

	docs := make([]*domain.Schema, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for i, name := range names {
		g.Go(func() error {
			data, err := l.source.Read(gctx, name)
			if err != nil {
				return err
			}
			doc, err := ParseModule(name, data, l.opts)
			if err != nil {
				return err
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load schema from %s: %w", l.source, err)
	}

	compiled, err := Build(Merge(docs...))
	if err != nil {
		return nil, err
	}
	l.logger.Info("schema loaded",
		"source", l.source.String(),
		"modules", len(names),
		"cubes", len(compiled.Table.Cubes()),
		"views", len(compiled.Table.Views()),
		"duration", time.Since(start))
	return compiled, nil
}

// ParseModule decodes one module, picking the format from its extension.
func ParseModule(name string, data []byte, opts Options) (*domain.Schema, error) {
	switch strings.ToLower(path.Ext(name)) {
	case ".star":
		return ParseStarlark(name, data, opts)
	case ".yml", ".yaml":
		return ParseYAML(name, data, opts)
	default:
		return nil, domain.ErrUser("unsupported model file %s", name)
	}
}

// LoadLocation opens location and loads the schema found there.
func LoadLocation(ctx context.Context, location string, remote RemoteConfig, opts Options, logger *slog.Logger) (*Compiled, error) {
	src, err := OpenSource(ctx, location, remote)
	if err != nil {
		return nil, err
	}
	return NewLoader(src, opts, logger).Load(ctx)
}
