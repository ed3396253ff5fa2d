package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/nfrund/listsync/internal/protocol"
	"github.com/nfrund/listsync/internal/snapshot"
	"github.com/spf13/afero"
)

const fileExt = ".json"

// FileSource publishes <dir>/<key>.json files, each holding a JSON array of
// items. Writing a file pushes its contents; removing it pushes an empty
// snapshot for the key.
type FileSource struct {
	fs   afero.Fs
	dir  string
	sink Sink
	log  *slog.Logger
}

// NewFileSource creates a file source over dir on fs. Change notifications
// come from the operating system, so Run needs fs to be backed by the real
// filesystem; LoadAll works on any afero.Fs.
func NewFileSource(fs afero.Fs, dir string, sink Sink) *FileSource {
	return &FileSource{
		fs:   fs,
		dir:  dir,
		sink: sink,
		log:  slog.Default().With("component", "source", "source", "file", "dir", dir),
	}
}

func (s *FileSource) Name() string { return "file" }

// Run loads every file once, then applies changes until ctx is done.
func (s *FileSource) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	if err := s.LoadAll(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.WarnContext(ctx, "File watcher error", "error", err)
		}
	}
}

// LoadAll pushes a snapshot for every list file in the directory. Files that
// fail to parse are logged and skipped.
func (s *FileSource) LoadAll(ctx context.Context) error {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", s.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, ok := keyFromPath(entry.Name())
		if !ok {
			continue
		}
		if err := s.load(ctx, key, filepath.Join(s.dir, entry.Name())); err != nil {
			s.log.WarnContext(ctx, "Skipping list file", "file", entry.Name(), "error", err)
		}
	}
	return nil
}

func (s *FileSource) handleEvent(ctx context.Context, event fsnotify.Event) {
	key, ok := keyFromPath(event.Name)
	if !ok {
		return
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		push := protocol.SnapshotPush{Key: key, Items: []snapshot.Item{}}
		if err := apply(ctx, s.sink, s.log, push); err != nil {
			s.log.WarnContext(ctx, "Failed to clear list", "key", key, "error", err)
		}
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		// Editors often truncate before writing; a half-written file fails
		// to parse and the following Write event picks up the rest.
		if err := s.load(ctx, key, event.Name); err != nil {
			s.log.DebugContext(ctx, "Ignoring unreadable list file", "file", event.Name, "error", err)
		}
	}
}

func (s *FileSource) load(ctx context.Context, key, path string) error {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var items []snapshot.Item
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if items == nil {
		items = []snapshot.Item{}
	}
	return apply(ctx, s.sink, s.log, protocol.SnapshotPush{Key: key, Items: items})
}

// keyFromPath maps "<dir>/<key>.json" to key. Hidden files and other
// extensions are not list files.
func keyFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, fileExt) {
		return "", false
	}
	key := strings.TrimSuffix(base, fileExt)
	return key, key != ""
}
