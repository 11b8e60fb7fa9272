package indicators

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultUpstreamPrefix marks evidence ingested from upstream feeds
const DefaultUpstreamPrefix = "upstream-"

// File is the on-disk shape of an indicator file
type File struct {
	KnownThreatIPs   []string `yaml:"known_threat_ips" json:"known_threat_ips"`
	UpstreamPrefixes []string `yaml:"upstream_prefixes" json:"upstream_prefixes"`
}

// Defaults returns the built-in indicator set
func Defaults() File {
	return File{
		KnownThreatIPs:   []string{"192.168.1.100", "10.0.0.10", "8.8.8.8"},
		UpstreamPrefixes: []string{DefaultUpstreamPrefix},
	}
}

// Snapshot is an immutable view of the loaded indicators
type Snapshot struct {
	KnownThreatIPs   map[string]struct{}
	UpstreamPrefixes []string
	Files            []string
	Version          int64
}

// Loader loads known-bad IPs and upstream agent prefixes from a directory of YAML files
type Loader struct {
	dir        string
	hotReload  bool
	debounceMs int
	defaults   File
	logger     *slog.Logger

	mu       sync.RWMutex
	snapshot *Snapshot
	watchers []chan struct{}
}

// NewLoader creates a loader. An empty dir means only the defaults are used.
func NewLoader(dir string, hotReload bool, debounceMs int, defaults File, logger *slog.Logger) *Loader {
	return &Loader{
		dir:        dir,
		hotReload:  hotReload,
		debounceMs: debounceMs,
		defaults:   defaults,
		logger:     logger,
	}
}

// NewStatic returns a loader already holding the given indicators
func NewStatic(f File) *Loader {
	l := NewLoader("", false, 0, f, slog.Default())
	l.setSnapshot(buildSnapshot([]File{f}, nil))
	return l
}

// LoadSnapshot reads every indicator file and replaces the current snapshot.
// Files are merged; the defaults apply only when the directory holds no files.
func (l *Loader) LoadSnapshot() (*Snapshot, error) {
	if l.dir == "" {
		snapshot := buildSnapshot([]File{l.defaults}, nil)
		l.setSnapshot(snapshot)
		return snapshot, nil
	}

	l.logger.Info("Loading indicator snapshot", "dir", l.dir)

	paths, err := l.readIndicatorFiles()
	if err != nil {
		return nil, fmt.Errorf("failed to read indicator files: %w", err)
	}

	var files []File
	var loaded []string
	for _, path := range paths {
		f, err := l.loadFile(path)
		if err != nil {
			l.logger.Warn("Failed to load indicator file", "file", path, "error", err)
			continue
		}
		files = append(files, f)
		loaded = append(loaded, path)
	}

	if len(files) == 0 {
		files = []File{l.defaults}
	}

	snapshot := buildSnapshot(files, loaded)
	if len(snapshot.UpstreamPrefixes) == 0 {
		snapshot.UpstreamPrefixes = append([]string(nil), l.defaults.UpstreamPrefixes...)
	}
	l.setSnapshot(snapshot)

	l.logger.Info("Indicator snapshot loaded",
		"known_threat_ips", len(snapshot.KnownThreatIPs),
		"upstream_prefixes", len(snapshot.UpstreamPrefixes),
		"files", len(loaded),
		"version", snapshot.Version)

	return snapshot, nil
}

// GetSnapshot returns the current snapshot, loading defaults on first use
func (l *Loader) GetSnapshot() *Snapshot {
	l.mu.RLock()
	snapshot := l.snapshot
	l.mu.RUnlock()

	if snapshot == nil {
		snapshot = buildSnapshot([]File{l.defaults}, nil)
	}
	return snapshot
}

// IsKnownThreatIP reports whether ip is on the known-bad list
func (l *Loader) IsKnownThreatIP(ip string) bool {
	if ip == "" {
		return false
	}
	_, ok := l.GetSnapshot().KnownThreatIPs[ip]
	return ok
}

// IsUpstream reports whether agentID marks an upstream feed
func (l *Loader) IsUpstream(agentID string) bool {
	for _, prefix := range l.GetSnapshot().UpstreamPrefixes {
		if prefix != "" && strings.HasPrefix(agentID, prefix) {
			return true
		}
	}
	return false
}

// Subscribe returns a channel signalled after every reload
func (l *Loader) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)

	l.mu.Lock()
	l.watchers = append(l.watchers, ch)
	l.mu.Unlock()

	return ch
}

// WatchForChanges reloads the snapshot when files in the directory change.
// It returns immediately; watching stops when ctx is cancelled.
func (l *Loader) WatchForChanges(ctx context.Context) error {
	if !l.hotReload || l.dir == "" {
		l.logger.Info("Indicator hot reload disabled")
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	if err := w.Add(l.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch add: %w", err)
	}

	l.logger.Info("Starting indicator file watcher", "dir", l.dir)
	go l.watchLoop(ctx, w)
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	defer w.Close()

	var timer *time.Timer
	debounce := time.Duration(l.debounceMs) * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !isIndicatorFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				l.logger.Info("Indicator files changed, reloading")
				if _, err := l.LoadSnapshot(); err != nil {
					l.logger.Error("Failed to reload indicators", "error", err)
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error("Indicator watch error", "error", err)
		}
	}
}

func (l *Loader) setSnapshot(snapshot *Snapshot) {
	l.mu.Lock()
	l.snapshot = snapshot
	watchers := append([]chan struct{}(nil), l.watchers...)
	l.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// readIndicatorFiles lists YAML files in the directory, sorted by name
func (l *Loader) readIndicatorFiles() ([]string, error) {
	var files []string

	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if isIndicatorFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

func (l *Loader) loadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("failed to read file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return f, nil
}

func isIndicatorFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func buildSnapshot(files []File, paths []string) *Snapshot {
	snapshot := &Snapshot{
		KnownThreatIPs: make(map[string]struct{}),
		Files:          paths,
		Version:        time.Now().UnixNano(),
	}

	seenPrefix := make(map[string]bool)
	for _, f := range files {
		for _, ip := range f.KnownThreatIPs {
			ip = strings.TrimSpace(ip)
			if ip != "" {
				snapshot.KnownThreatIPs[ip] = struct{}{}
			}
		}
		for _, prefix := range f.UpstreamPrefixes {
			if prefix != "" && !seenPrefix[prefix] {
				seenPrefix[prefix] = true
				snapshot.UpstreamPrefixes = append(snapshot.UpstreamPrefixes, prefix)
			}
		}
	}

	return snapshot
}
