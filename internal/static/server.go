// Package static serves files that the resolver has placed under the
// static root.
package static

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"

	"asset-edge/internal/content"
	"asset-edge/internal/model"
)

var (
	// ErrNotFound is the common cause of every error that must surface to
	// clients as a plain 404.
	ErrNotFound = errors.New("not found")

	// ErrPathTraversal is returned for paths that resolve outside the root.
	ErrPathTraversal = fmt.Errorf("%w: path escapes static root", ErrNotFound)

	// ErrFileMissing is returned when nothing servable exists at the path.
	ErrFileMissing = fmt.Errorf("%w: no regular file at path", ErrNotFound)
)

// FileSystem is the read-only view of the disk used by Server.
type FileSystem interface {
	Stat(name string) (fs.FileInfo, error)
	ReadFile(name string) ([]byte, error)
}

// OSFileSystem reads from the host filesystem.
type OSFileSystem struct{}

func (OSFileSystem) Stat(name string) (fs.FileInfo, error) { return os.Stat(name) }
func (OSFileSystem) ReadFile(name string) ([]byte, error)  { return os.ReadFile(name) }

// Server reads resolved files and turns them into responses.
type Server struct {
	fsys     FileSystem
	markdown *content.Renderer
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithMarkdown renders .md files to HTML before serving them.
func WithMarkdown(r *content.Renderer) Option {
	return func(s *Server) { s.markdown = r }
}

// New creates a Server reading from fsys.
func New(fsys FileSystem, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		fsys:   fsys,
		logger: logger.With("component", "static_server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Exists reports whether resolved names a regular file that Serve would
// return. Paths outside the root are never stat'ed.
func (s *Server) Exists(resolved model.ResolvedPath) bool {
	if !resolved.WithinRoot {
		return false
	}
	info, err := s.fsys.Stat(resolved.AbsolutePath)
	return err == nil && info.Mode().IsRegular()
}

// Serve returns the file at resolved as a 200 response.
//
// Errors wrapping ErrNotFound mean nothing should be served; any other
// error is an unexpected read failure.
func (s *Server) Serve(ctx context.Context, resolved model.ResolvedPath) (*model.Response, error) {
	if !resolved.WithinRoot {
		s.logger.WarnContext(ctx, "rejected path outside static root",
			"path", resolved.OriginalPath,
			"reason", "traversal",
		)
		return nil, ErrPathTraversal
	}

	info, err := s.fsys.Stat(resolved.AbsolutePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			s.logger.DebugContext(ctx, "file missing", "path", resolved.OriginalPath)
			return nil, ErrFileMissing
		}
		return nil, fmt.Errorf("stat %s: %w", resolved.OriginalPath, err)
	}
	if !info.Mode().IsRegular() {
		s.logger.DebugContext(ctx, "not a regular file", "path", resolved.OriginalPath)
		return nil, ErrFileMissing
	}

	body, err := s.fsys.ReadFile(resolved.AbsolutePath)
	if err != nil {
		// Removed between stat and read.
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrFileMissing
		}
		return nil, fmt.Errorf("read %s: %w", resolved.OriginalPath, err)
	}

	contentType := content.TypeFor(resolved.AbsolutePath)
	if content.IsMarkdown(resolved.AbsolutePath) {
		if s.markdown == nil {
			contentType = "text/markdown; charset=utf-8"
		} else if body, err = s.markdown.Render(body); err != nil {
			return nil, fmt.Errorf("%s: %w", resolved.OriginalPath, err)
		}
	}

	header := make(http.Header)
	header.Set("Content-Type", contentType)

	return &model.Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       body,
		Outcome:    model.OutcomeLocal,
	}, nil
}
