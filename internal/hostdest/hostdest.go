// Package hostdest provides a filesystem-backed destination resolver for
// running the orchestrator standalone. Each descriptor names an album
// directory that the tagging host materializes under the library root;
// attaching moves the downloaded file there once the directory exists.
package hostdest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/robertpelloni/picard/internal/engine"
	"github.com/robertpelloni/picard/internal/logctx"
)

// Resolver maps destination descriptors to album directories under root.
type Resolver struct {
	root string
}

func NewResolver(root string) *Resolver {
	return &Resolver{root: root}
}

// Resolve validates the descriptor and returns the attachment handle.
// Descriptors must be plain album identifiers; path traversal is rejected.
func (r *Resolver) Resolve(descriptor string) (engine.Destination, error) {
	if descriptor == "" {
		return nil, fmt.Errorf("empty destination descriptor")
	}

	if strings.Contains(descriptor, "..") || strings.ContainsAny(descriptor, `/\`) {
		return nil, fmt.Errorf("invalid destination descriptor: %q", descriptor)
	}

	return &albumDir{dir: filepath.Join(r.root, descriptor)}, nil
}

// albumDir attaches files by moving them into an album directory. The
// directory appearing is the host's signal that the catalog entry is ready;
// until then attachment is retried.
type albumDir struct {
	dir string
}

var _ engine.Destination = (*albumDir)(nil)

func (a *albumDir) AttachFile(ctx context.Context, localPath string) error {
	info, err := os.Stat(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &engine.DestinationNotReadyError{
				Reason: fmt.Sprintf("album directory %s does not exist yet", a.dir),
				Err:    err,
			}
		}

		return &engine.DestinationGoneError{Reason: "cannot access album directory", Err: err}
	}

	if !info.IsDir() {
		return &engine.DestinationGoneError{
			Reason: fmt.Sprintf("%s is not a directory", a.dir),
		}
	}

	target := filepath.Join(a.dir, filepath.Base(localPath))
	if err := os.Rename(localPath, target); err != nil {
		return &engine.DestinationGoneError{Reason: "failed to move file", Err: err}
	}

	return nil
}

func (a *albumDir) TriggerAnalysis(localPath string) {
	// The tagging host picks attached files up for fingerprinting on its
	// own; standalone there is nothing to analyze.
	logctx.LoggerFromContext(context.Background()).Debug("analysis trigger",
		"local_path", filepath.Join(a.dir, filepath.Base(localPath)))
}
