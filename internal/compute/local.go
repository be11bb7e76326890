package compute

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"fixity/internal/container"
	"fixity/internal/digest"
)

// defaultProgressBytes is how many bytes pass between progress events.
const defaultProgressBytes = 8 << 20

// Local computes digests in-process. Requests queue on a semaphore sized
// to the worker count, so a large batch saturates the configured cores
// and no more.
type Local struct {
	sem           chan struct{}
	progressBytes int64
}

// LocalOption configures a Local service.
type LocalOption func(*Local)

// WithProgressInterval sets how many bytes pass between progress events.
func WithProgressInterval(bytes int64) LocalOption {
	return func(l *Local) {
		if bytes > 0 {
			l.progressBytes = bytes
		}
	}
}

// NewLocal creates a local service with the given worker bound. Zero or
// negative means one worker per CPU.
func NewLocal(workers int, opts ...LocalOption) *Local {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	l := &Local{
		sem:           make(chan struct{}, workers),
		progressBytes: defaultProgressBytes,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Submit validates the request and starts it in the background. Event
// delivery order per request is guaranteed by the single goroutine that
// serves it.
func (l *Local) Submit(ctx context.Context, req Request, out chan<- Event) error {
	if strings.TrimSpace(req.FileID) == "" {
		return fmt.Errorf("%w: empty file id", ErrBadRequest)
	}
	if strings.TrimSpace(req.Path) == "" && len(req.Segments) == 0 {
		return fmt.Errorf("%w: empty path", ErrBadRequest)
	}
	if !req.Algorithm.Known() {
		return fmt.Errorf("%w: %s", ErrUnknownAlgorithm, req.Algorithm)
	}
	if req.Mode == "" {
		req.Mode = ModeContainer
	}

	go l.run(ctx, req, out)
	return nil
}

func (l *Local) run(ctx context.Context, req Request, out chan<- Event) {
	if !l.send(ctx, out, Event{FileID: req.FileID, Kind: EventStarted}) {
		return
	}

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		l.send(ctx, out, Event{FileID: req.FileID, Kind: EventError, Err: ctx.Err()})
		return
	}
	defer func() { <-l.sem }()

	paths, err := l.resolve(req)
	if err != nil {
		l.send(ctx, out, Event{FileID: req.FileID, Kind: EventError, Err: err})
		return
	}

	d, err := l.digestPaths(ctx, req, paths, out)
	if err != nil {
		l.send(ctx, out, Event{FileID: req.FileID, Kind: EventError, Err: err})
		return
	}

	l.send(ctx, out, Event{FileID: req.FileID, Kind: EventCompleted, Percent: 100, Digest: d})
}

// resolve maps the request onto the ordered list of files to digest.
func (l *Local) resolve(req Request) ([]string, error) {
	if req.Mode == ModeRaw {
		return []string{req.Path}, nil
	}
	if len(req.Segments) > 0 {
		return req.Segments, nil
	}

	format := container.Detect(req.Path)
	if !format.Parseless() {
		return nil, fmt.Errorf("%w: %s needs format parsing", ErrUnsupportedFormat, format)
	}
	segs, err := container.Segments(req.Path)
	if err != nil {
		return nil, err
	}
	return segs, nil
}

// digestPaths streams every path, in order, through one hasher. For a
// split container this makes the digest cover the concatenated acquired
// bytes, which is what the recorded image hash refers to.
func (l *Local) digestPaths(ctx context.Context, req Request, paths []string, out chan<- Event) (digest.Digest, error) {
	h, err := newHasher(req.Algorithm)
	if err != nil {
		return digest.Digest{}, err
	}

	var total int64
	sizes := make([]int64, len(paths))
	for i, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return digest.Digest{}, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		sizes[i] = info.Size()
		total += info.Size()
	}

	multi := len(paths) > 1
	var done, lastReport int64
	buf := make([]byte, 1<<20)

	for i, p := range paths {
		var segDone int64
		err := func() error {
			f, err := os.Open(p)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", p, err)
			}
			defer f.Close()

			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}

				n, err := f.Read(buf)
				if n > 0 {
					h.Write(buf[:n])
					done += int64(n)
					segDone += int64(n)
					if done-lastReport >= l.progressBytes {
						lastReport = done
						ev := Event{
							FileID:  req.FileID,
							Kind:    EventProgress,
							Percent: percent(done, total),
						}
						if multi {
							sub := percent(segDone, sizes[i])
							ev.SubPercent = &sub
						}
						if !l.send(ctx, out, ev) {
							return ctx.Err()
						}
					}
				}
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", p, err)
				}
			}
		}()
		if err != nil {
			return digest.Digest{}, err
		}
	}

	return digest.New(req.Algorithm, hex.EncodeToString(h.Sum(nil))), nil
}

func (l *Local) send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func percent(done, total int64) float64 {
	if total <= 0 {
		return 100
	}
	return float64(done) / float64(total) * 100
}

// newHasher builds the streaming hasher for an algorithm.
func newHasher(alg digest.Algorithm) (hash.Hash, error) {
	switch alg.Normalize() {
	case digest.MD5:
		return md5.New(), nil
	case digest.SHA1:
		return sha1.New(), nil
	case digest.SHA256:
		return sha256.New(), nil
	case digest.SHA512:
		return sha512.New(), nil
	case digest.SHA3256:
		return sha3.New256(), nil
	case digest.BLAKE2b:
		return blake2b.New256(nil)
	case digest.BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, alg)
	}
}
