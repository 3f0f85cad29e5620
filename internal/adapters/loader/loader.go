package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
	"github.com/luna-badge/taskcore/internal/xjson"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatHCL  Format = "hcl"
)

// RemotePrefix marks a source resolved through the configured GraphFetcher.
const RemotePrefix = "api:"

// FormatFor picks the format from a file extension, defaulting to JSON.
func FormatFor(name string) Format {
	if strings.EqualFold(filepath.Ext(name), ".hcl") {
		return FormatHCL
	}
	return FormatJSON
}

type Loader struct {
	baseDir string
	fetcher ports.GraphFetcher
	logger  *slog.Logger
}

type Option func(*Loader)

func WithFetcher(fetcher ports.GraphFetcher) Option {
	return func(l *Loader) {
		l.fetcher = fetcher
	}
}

func New(baseDir string, logger *slog.Logger, opts ...Option) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		baseDir: baseDir,
		logger:  logger.With("component", "graph-loader"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load resolves source to a validated graph. Relative paths resolve against
// the loader's base directory; "api:<id>" goes through the fetcher.
func (l *Loader) Load(ctx context.Context, source string) (*domain.TaskGraph, error) {
	if id, ok := strings.CutPrefix(source, RemotePrefix); ok {
		return l.loadRemote(ctx, id)
	}

	path := source
	if !filepath.IsAbs(path) && l.baseDir != "" {
		path = filepath.Join(l.baseDir, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: task graph %s", domain.ErrNotFound, path)
		}
		return nil, fmt.Errorf("read task graph %s: %w", path, err)
	}

	graph, err := l.LoadBytes(data, FormatFor(path), filepath.Base(path))
	if err != nil {
		return nil, err
	}

	l.logger.Debug("task graph loaded",
		"graph_id", graph.GraphID,
		"path", path,
		"nodes", len(graph.Nodes),
		"edges", len(graph.Edges))
	return graph, nil
}

func (l *Loader) loadRemote(ctx context.Context, id string) (*domain.TaskGraph, error) {
	if l.fetcher == nil {
		return nil, fmt.Errorf("%w: no graph fetcher configured for %s%s", domain.ErrInvalidConfig, RemotePrefix, id)
	}
	data, err := l.fetcher.Fetch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch task graph %s: %w", id, err)
	}
	return l.LoadBytes(data, FormatFor(id), id)
}

func (l *Loader) LoadReader(r io.Reader, format Format) (*domain.TaskGraph, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read task graph: %w", err)
	}
	return l.LoadBytes(data, format, "graph."+string(format))
}

// LoadBytes parses and validates a document. It never returns a partial graph.
func (l *Loader) LoadBytes(data []byte, format Format, filename string) (*domain.TaskGraph, error) {
	var (
		raw *rawGraph
		err error
	)
	switch format {
	case FormatHCL:
		raw, err = decodeHCL(data, filename)
	case FormatJSON, "":
		raw, err = decodeJSON(data)
	default:
		return nil, fmt.Errorf("%w: unsupported graph format %q", domain.ErrInvalidInput, format)
	}
	if err != nil {
		return nil, err
	}
	return validate(raw)
}

func decodeJSON(data []byte) (*rawGraph, error) {
	var raw rawGraph
	if err := xjson.Unmarshal(data, &raw); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return nil, &domain.ValidationError{Field: strings.ToLower(typeErr.Field), Message: "wrong type", Err: err}
		}
		return nil, &domain.ValidationError{Field: "document", Message: "not valid JSON", Err: err}
	}
	return &raw, nil
}

// Save writes graph as indented JSON.
func (l *Loader) Save(graph *domain.TaskGraph, path string) error {
	if !filepath.IsAbs(path) && l.baseDir != "" {
		path = filepath.Join(l.baseDir, path)
	}
	data, err := xjson.MarshalIndent(graph)
	if err != nil {
		return fmt.Errorf("encode task graph %s: %w", graph.GraphID, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// List names the graph documents available in the base directory.
func (l *Loader) List() ([]string, error) {
	if l.baseDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(l.baseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".hcl":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
