package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/qasync/internal/cache"
	"github.com/MarcoPoloResearchLab/qasync/internal/records"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	captureExtension  = ".json"
	rejectedExtension = ".rejected"
	maxCaptureBytes   = 8 << 20
)

var (
	errMissingDirectory = errors.New("inbox: directory is required")
	errMissingSaver     = errors.New("inbox: saver is required")
	errCaptureTooLarge  = errors.New("inbox: capture file too large")
)

// Saver accepts decoded captures.
type Saver interface {
	SaveRecord(ctx context.Context, category records.Category, payload records.Payload) (cache.SaveResult, error)
}

// Capture is the file format dropped into the inbox.
type Capture struct {
	Category records.Category `json:"category,omitempty"`
	Payload  records.Payload  `json:"payload"`
}

// Outcome reports what happened to one capture file.
type Outcome string

const (
	OutcomeSaved    Outcome = "saved"
	OutcomePending  Outcome = "pending"
	OutcomeRejected Outcome = "rejected"
	OutcomeRetained Outcome = "retained"
	OutcomeIgnored  Outcome = "ignored"
)

// Config describes Watcher dependencies.
type Config struct {
	Dir    string
	Saver  Saver
	Logger *zap.Logger
}

// Watcher feeds capture files from a drop directory into the cache. Producers should write
// elsewhere and rename into the directory so a file is complete when it appears.
type Watcher struct {
	dir    string
	saver  Saver
	logger *zap.Logger
}

// NewWatcher constructs a Watcher.
func NewWatcher(cfg Config) (*Watcher, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errMissingDirectory
	}
	if cfg.Saver == nil {
		return nil, errMissingSaver
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{dir: dir, saver: cfg.Saver, logger: logger}, nil
}

// Run drains files already present and then processes new ones until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create inbox directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch inbox directory %s: %w", w.dir, err)
	}
	w.logger.Info("inbox watching", zap.String("dir", w.dir))

	if err := w.Drain(ctx); err != nil {
		w.logger.Warn("inbox drain failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			w.ProcessFile(ctx, event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("inbox watcher error", zap.Error(err))
		}
	}
}

// Drain processes every capture file currently in the directory, in name order.
func (w *Watcher) Drain(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() && isCapture(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.ProcessFile(ctx, filepath.Join(w.dir, name))
	}
	return nil
}

// ProcessFile submits one capture. Saved and pending captures are removed; malformed or
// quota-denied captures are renamed with a .rejected suffix; local failures leave the file
// for the next drain.
func (w *Watcher) ProcessFile(ctx context.Context, path string) Outcome {
	if !isCapture(path) {
		return OutcomeIgnored
	}
	fields := []zap.Field{zap.String("file", filepath.Base(path))}

	capture, err := readCapture(path)
	if errors.Is(err, os.ErrNotExist) {
		return OutcomeIgnored
	}
	if err != nil {
		w.logger.Warn("inbox capture rejected", append(fields, zap.Error(err))...)
		w.reject(path)
		return OutcomeRejected
	}

	category := capture.Category
	if category == "" {
		category = records.DefaultCategory
	}
	saved, err := w.saver.SaveRecord(ctx, category, capture.Payload)
	switch {
	case err == nil:
		w.logger.Info("inbox capture saved", append(fields, zap.String("local_id", saved.LocalID.String()))...)
		w.remove(path)
		return OutcomeSaved
	case records.IsPendingSync(err):
		w.logger.Info("inbox capture saved, sync pending", append(fields, zap.String("local_id", saved.LocalID.String()))...)
		w.remove(path)
		return OutcomePending
	case errors.Is(err, records.ErrQuotaExceeded),
		errors.Is(err, records.ErrInvalidPayload),
		errors.Is(err, records.ErrInvalidCategory),
		errors.Is(err, records.ErrInvalidClass):
		w.logger.Warn("inbox capture rejected", append(fields, zap.Error(err))...)
		w.reject(path)
		return OutcomeRejected
	default:
		w.logger.Error("inbox capture failed", append(fields, zap.Error(err))...)
		return OutcomeRetained
	}
}

func readCapture(path string) (Capture, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Capture{}, err
	}
	if info.Size() > maxCaptureBytes {
		return Capture{}, fmt.Errorf("%w: %d bytes", errCaptureTooLarge, info.Size())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Capture{}, err
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	var capture Capture
	if err := decoder.Decode(&capture); err != nil {
		return Capture{}, fmt.Errorf("decode capture: %w", err)
	}
	return capture, nil
}

func (w *Watcher) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("inbox cleanup failed", zap.String("file", filepath.Base(path)), zap.Error(err))
	}
}

func (w *Watcher) reject(path string) {
	if err := os.Rename(path, path+rejectedExtension); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("inbox reject rename failed", zap.String("file", filepath.Base(path)), zap.Error(err))
	}
}

func isCapture(path string) bool {
	return strings.EqualFold(filepath.Ext(path), captureExtension)
}
