package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"evidenced/internal/framebuf"
)

// SpoolSource follows a directory into which an external grabber drops
// JPEG frames. Frames must be renamed into place once complete, since a
// frame is read as soon as its name appears. Consumed frames are removed
// from the spool.
type SpoolSource struct {
	fsWatcher *fsnotify.Watcher
	dir       string
	rate      float64
	logger    *slog.Logger

	frames chan string
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewSpoolSource starts watching dir. Frames already present are queued
// first, in name order.
func NewSpoolSource(dir string, rate float64, logger *slog.Logger) (*SpoolSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("spool watcher: %w", err)
	}
	if err := fsWatcher.Add(absDir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("watch spool %s: %w", absDir, err)
	}

	s := &SpoolSource{
		fsWatcher: fsWatcher,
		dir:       absDir,
		rate:      rate,
		logger:    logger,
		frames:    make(chan string, 256),
		done:      make(chan struct{}),
	}

	existing, err := NewDirSource(absDir, 0, false)
	if err != nil {
		fsWatcher.Close()
		return nil, err
	}
	for _, path := range existing.files {
		select {
		case s.frames <- path:
		default:
			logger.Warn("spool backlog exceeds queue, frame skipped", "path", path)
		}
	}

	s.wg.Add(1)
	go s.eventLoop()
	return s, nil
}

// FrameRate returns the rate the grabber was configured with.
func (s *SpoolSource) FrameRate() float64 { return s.rate }

// Next blocks until a frame arrives, ctx is done, or the source is closed.
func (s *SpoolSource) Next(ctx context.Context) (framebuf.Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return framebuf.Frame{}, ctx.Err()
		case path, ok := <-s.frames:
			if !ok {
				return framebuf.Frame{}, io.EOF
			}
			f, err := readFrame(path, time.Now())
			if errors.Is(err, os.ErrNotExist) {
				// Already consumed via an earlier event for the same file.
				continue
			}
			if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				s.logger.Warn("spool frame not removed", "path", path, "error", rmErr)
			}
			if err != nil {
				s.logger.Warn("spool frame unreadable", "error", err)
				continue
			}
			return f, nil
		}
	}
}

// Close stops watching. A blocked Next returns io.EOF.
func (s *SpoolSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		close(s.frames)
		err = s.fsWatcher.Close()
	})
	return err
}

func (s *SpoolSource) eventLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.fsWatcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) || !IsFrameFile(event.Name) {
				continue
			}
			if info, err := os.Stat(event.Name); err != nil || info.IsDir() {
				continue
			}
			select {
			case s.frames <- event.Name:
			case <-s.done:
				return
			}

		case err, ok := <-s.fsWatcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("spool watch error", "error", err)
		}
	}
}
