package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileSink appends records as newline-delimited JSON with size based
// rotation. It is meant as a mirror next to a transactional primary sink.
type FileSink struct {
	basePath string
	file     *os.File
	mu       sync.Mutex
	encoder  *json.Encoder
	maxSize  int64 // Max file size in bytes before rotation
	maxFiles int   // Max number of rotated files to keep
	now      func() time.Time
}

// FileSinkConfig configures the file sink
type FileSinkConfig struct {
	BasePath string // Directory for audit files
	MaxSize  int64  // Max file size in bytes (default: 100MB)
	MaxFiles int    // Max number of rotated files to keep (default: 10)
}

// DefaultFileSinkConfig returns default configuration
func DefaultFileSinkConfig() FileSinkConfig {
	return FileSinkConfig{
		BasePath: "/var/log/gatekeeper/audit",
		MaxSize:  100 * 1024 * 1024,
		MaxFiles: 10,
	}
}

// NewFileSink creates the directory and opens the current file
func NewFileSink(config FileSinkConfig) (*FileSink, error) {
	if err := os.MkdirAll(config.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	sink := &FileSink{
		basePath: config.BasePath,
		maxSize:  config.MaxSize,
		maxFiles: config.MaxFiles,
		now:      time.Now,
	}
	if sink.maxSize <= 0 {
		sink.maxSize = 100 * 1024 * 1024
	}
	if sink.maxFiles <= 0 {
		sink.maxFiles = 10
	}

	if err := sink.open(); err != nil {
		return nil, err
	}
	return sink, nil
}

func (f *FileSink) currentPath() string {
	return filepath.Join(f.basePath, "audit.ndjson")
}

func (f *FileSink) open() error {
	if info, err := os.Stat(f.currentPath()); err == nil && info.Size() >= f.maxSize {
		if err := f.rotate(); err != nil {
			return fmt.Errorf("failed to rotate audit file: %w", err)
		}
	}

	file, err := os.OpenFile(f.currentPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	f.file = file
	f.encoder = json.NewEncoder(file)
	return nil
}

func (f *FileSink) rotate() error {
	if f.file != nil {
		f.file.Close()
		f.file = nil
	}

	rotated := filepath.Join(f.basePath, fmt.Sprintf("audit-%s.ndjson", f.now().UTC().Format("20060102T150405.000000000")))
	if err := os.Rename(f.currentPath(), rotated); err != nil {
		return fmt.Errorf("failed to rename audit file: %w", err)
	}
	return f.cleanup()
}

// cleanup keeps the newest maxFiles rotated files. Rotated names sort by time.
func (f *FileSink) cleanup() error {
	files, err := filepath.Glob(filepath.Join(f.basePath, "audit-*.ndjson"))
	if err != nil {
		return err
	}
	if len(files) <= f.maxFiles {
		return nil
	}
	sort.Strings(files)
	for _, file := range files[:len(files)-f.maxFiles] {
		if err := os.Remove(file); err != nil {
			return fmt.Errorf("failed to remove %s: %w", file, err)
		}
	}
	return nil
}

// Append writes the records, rotating first when the file is full
func (f *FileSink) Append(ctx context.Context, records ...*Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return ErrSinkClosed
	}

	if info, err := f.file.Stat(); err == nil && info.Size() >= f.maxSize {
		if err := f.open(); err != nil {
			return err
		}
	}

	for _, r := range records {
		if err := f.encoder.Encode(r); err != nil {
			return fmt.Errorf("failed to write audit record: %w", err)
		}
	}
	return nil
}

// Close closes the current file
func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file != nil {
		err := f.file.Close()
		f.file = nil
		return err
	}
	return nil
}

// ReadRecords reads up to count records from the current file (0 = all)
func (f *FileSink) ReadRecords(count int) ([]*Record, error) {
	file, err := os.Open(f.currentPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	defer file.Close()

	var records []*Record
	decoder := json.NewDecoder(file)
	for {
		var r Record
		if err := decoder.Decode(&r); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to decode audit record: %w", err)
		}
		records = append(records, &r)
		if count > 0 && len(records) >= count {
			break
		}
	}
	return records, nil
}
