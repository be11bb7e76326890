// Package intake watches evidence drop directories and reports containers
// that have finished arriving. A container counts as arrived once write
// events have gone quiet for the debounce window and its size has stopped
// changing across stability checks, so half-copied images are never
// submitted for verification.
package intake

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"fixity/internal/container"
)

// Arrival is a container that has settled in a watched directory.
type Arrival struct {
	Path       string
	Size       int64
	Format     container.Format
	ObservedAt time.Time
}

// fileState tracks one candidate container between stability checks.
type fileState struct {
	lastEvent   time.Time
	size        int64
	stableSince time.Time
}

// Intake monitors drop directories for arriving evidence containers.
type Intake struct {
	watcher    *fsnotify.Watcher
	paths      []string
	extensions map[string]bool
	debounce   time.Duration
	minStable  time.Duration
	recursive  bool
	maxSize    int64

	// Candidate tracking: path -> arrival state
	state   map[string]*fileState
	stateMu sync.RWMutex

	arrivals chan Arrival
	errors   chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures an Intake.
type Option func(*Intake)

// WithExtensions restricts intake to paths with the given extensions
// (lowercase, leading dot). Without it any recognized container format
// is accepted.
func WithExtensions(exts []string) Option {
	return func(in *Intake) {
		in.extensions = make(map[string]bool, len(exts))
		for _, e := range exts {
			in.extensions[strings.ToLower(e)] = true
		}
	}
}

// WithDebounce sets how long write events must be quiet before a
// container is considered for submission.
func WithDebounce(d time.Duration) Option {
	return func(in *Intake) {
		if d > 0 {
			in.debounce = d
		}
	}
}

// WithMinStable sets how long a container's size must hold still after
// the debounce window before it is reported.
func WithMinStable(d time.Duration) Option {
	return func(in *Intake) {
		if d >= 0 {
			in.minStable = d
		}
	}
}

// WithRecursive watches subdirectories of the configured paths as well.
func WithRecursive(recursive bool) Option {
	return func(in *Intake) { in.recursive = recursive }
}

// WithMaxSize rejects containers larger than max bytes. Zero means no
// limit.
func WithMaxSize(max int64) Option {
	return func(in *Intake) { in.maxSize = max }
}

// New creates an intake watcher over the given drop directories.
func New(paths []string, opts ...Option) (*Intake, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	in := &Intake{
		watcher:   fsWatcher,
		paths:     paths,
		debounce:  2 * time.Second,
		minStable: 3 * time.Second,
		state:     make(map[string]*fileState),
		arrivals:  make(chan Arrival, 100),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(in)
	}

	return in, nil
}

// Arrivals returns the channel of settled containers.
func (in *Intake) Arrivals() <-chan Arrival {
	return in.arrivals
}

// Errors returns the channel of intake errors.
func (in *Intake) Errors() <-chan error {
	return in.errors
}

// Start begins watching all configured paths. Containers already
// present in a watched directory are tracked too and will be reported
// once they pass the stability checks.
func (in *Intake) Start() error {
	for _, path := range in.paths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", path, err)
		}

		info, err := os.Stat(absPath)
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("intake path %s is not a directory", path)
		}

		if err := in.addDir(absPath); err != nil {
			return err
		}
	}

	in.wg.Add(2)
	go in.eventLoop()
	go in.settleLoop()

	return nil
}

// Stop gracefully shuts down the intake watcher.
func (in *Intake) Stop() error {
	close(in.done)
	in.wg.Wait()
	close(in.arrivals)
	close(in.errors)
	return in.watcher.Close()
}

// addDir watches a directory, tracks its matching files, and descends
// into subdirectories when recursive intake is enabled.
func (in *Intake) addDir(dir string) error {
	if err := in.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scan %s: %w", dir, err)
	}

	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			if in.recursive {
				if err := in.addDir(full); err != nil {
					return err
				}
			}
			continue
		}
		if in.matches(full) {
			in.track(full)
		}
	}

	return nil
}

// matches reports whether a path looks like a container this intake
// should submit.
func (in *Intake) matches(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if len(in.extensions) > 0 {
		return in.extensions[ext]
	}

	format := container.Detect(path)
	if format == container.FormatUnknown {
		return false
	}
	// Only the first segment of a split set triggers intake; the rest
	// are enumerated from it.
	if format == container.FormatSplitRaw && ext != ".001" {
		return false
	}
	return true
}

// track seeds arrival state for an existing file.
func (in *Intake) track(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	in.stateMu.Lock()
	in.state[path] = &fileState{lastEvent: info.ModTime(), size: -1}
	in.stateMu.Unlock()
}

// touch records a write event against a tracked path.
func (in *Intake) touch(path string, now time.Time) {
	in.stateMu.Lock()
	st, ok := in.state[path]
	if !ok {
		st = &fileState{size: -1}
		in.state[path] = st
	}
	st.lastEvent = now
	st.size = -1
	st.stableSince = time.Time{}
	in.stateMu.Unlock()
}

// forget drops a path from arrival tracking.
func (in *Intake) forget(path string) {
	in.stateMu.Lock()
	delete(in.state, path)
	in.stateMu.Unlock()
}

// eventLoop handles fsnotify events.
func (in *Intake) eventLoop() {
	defer in.wg.Done()

	for {
		select {
		case <-in.done:
			return

		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				in.forget(event.Name)
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			info, err := os.Stat(event.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				if in.recursive && event.Op&fsnotify.Create != 0 {
					if err := in.addDir(event.Name); err != nil {
						in.report(err)
					}
				}
				continue
			}

			if in.matches(event.Name) {
				in.touch(event.Name, time.Now())
			}

		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.report(err)
		}
	}
}

// settleLoop periodically checks tracked files for stability.
func (in *Intake) settleLoop() {
	defer in.wg.Done()

	ticker := time.NewTicker(in.tick())
	defer ticker.Stop()

	for {
		select {
		case <-in.done:
			return

		case now := <-ticker.C:
			in.checkSettled(now)
		}
	}
}

// tick derives the stability check interval from the debounce window.
func (in *Intake) tick() time.Duration {
	tick := in.debounce / 2
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	if tick > time.Second {
		tick = time.Second
	}
	return tick
}

// candidate is a tracked file past its debounce window.
type candidate struct {
	path      string
	lastEvent time.Time
	size      int64
}

// checkSettled finds containers whose write events have gone quiet and
// whose measured size has held still long enough, and reports them.
// Measuring happens without the lock so slow storage cannot stall the
// event loop.
func (in *Intake) checkSettled(now time.Time) {
	threshold := now.Add(-in.debounce)

	// Phase 1: collect quiet candidates under the read lock.
	var quiet []candidate
	in.stateMu.RLock()
	for path, st := range in.state {
		if st.lastEvent.Before(threshold) {
			quiet = append(quiet, candidate{path: path, lastEvent: st.lastEvent, size: st.size})
		}
	}
	in.stateMu.RUnlock()

	if len(quiet) == 0 {
		return
	}

	// Phase 2: measure sizes without holding the lock.
	type measurement struct {
		candidate
		measured int64
		err      error
	}
	results := make([]measurement, len(quiet))
	for i, c := range quiet {
		size, err := in.measure(c.path)
		results[i] = measurement{candidate: c, measured: size, err: err}
	}

	// Phase 3: update state under the lock, skipping anything written
	// to while we were measuring.
	in.stateMu.Lock()
	defer in.stateMu.Unlock()

	for _, r := range results {
		st, exists := in.state[r.path]
		if !exists || !st.lastEvent.Equal(r.lastEvent) {
			continue
		}

		if r.err != nil {
			if os.IsNotExist(r.err) {
				delete(in.state, r.path)
			} else {
				in.report(r.err)
			}
			continue
		}

		if in.maxSize > 0 && r.measured > in.maxSize {
			in.report(fmt.Errorf("intake: %s is %d bytes, over the %d byte limit", r.path, r.measured, in.maxSize))
			delete(in.state, r.path)
			continue
		}

		if st.size != r.measured {
			// Still growing. Restart the stability clock.
			st.size = r.measured
			st.stableSince = now
			continue
		}
		if now.Sub(st.stableSince) < in.minStable {
			continue
		}

		arrival := Arrival{
			Path:       r.path,
			Size:       r.measured,
			Format:     container.Detect(r.path),
			ObservedAt: now,
		}
		select {
		case in.arrivals <- arrival:
			// Reported. Drop tracking until the next write event.
			delete(in.state, r.path)
		default:
			// Arrival channel full, try again next tick.
		}
	}
}

// measure returns the total on-disk size of a container. Segmented
// formats are measured across their whole segment set so a set that is
// still being written keeps resetting the stability clock.
func (in *Intake) measure(path string) (int64, error) {
	if container.Detect(path).Segmented() {
		if segs, err := container.Segments(path); err == nil {
			var total int64
			for _, seg := range segs {
				info, err := os.Stat(seg)
				if err != nil {
					return 0, err
				}
				total += info.Size()
			}
			return total, nil
		}
		// Enumeration failed, fall back to the lone file so a broken
		// set still surfaces at verification instead of waiting here
		// forever.
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// report delivers an error without blocking the loops.
func (in *Intake) report(err error) {
	select {
	case in.errors <- err:
	default:
	}
}

// WatchedPaths returns the list of configured drop directories.
func (in *Intake) WatchedPaths() []string {
	return in.paths
}

// TrackedFiles returns the number of containers awaiting stability.
func (in *Intake) TrackedFiles() int {
	in.stateMu.RLock()
	defer in.stateMu.RUnlock()
	return len(in.state)
}
