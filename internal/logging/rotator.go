package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotateConfig controls a FileRotator.
type RotateConfig struct {
	Path       string
	MaxSize    int64 // megabytes
	MaxAge     int   // days
	MaxBackups int
	Compress   bool
}

func rotateConfigFrom(cfg *Config) RotateConfig {
	return RotateConfig{
		Path:       cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}
}

// FileRotator is an io.Writer over a log file that rotates by size and
// by calendar day.
type FileRotator struct {
	cfg    RotateConfig
	mu     sync.Mutex
	file   *os.File
	size   int64
	opened time.Time
	now    func() time.Time
	wg     sync.WaitGroup
}

// NewFileRotator opens the log file named by cfg.FilePath.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	return OpenRotator(rotateConfigFrom(cfg))
}

// OpenRotator opens cfg.Path for appending, creating its directory.
func OpenRotator(cfg RotateConfig) (*FileRotator, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("rotator: empty path")
	}
	r := &FileRotator{cfg: cfg, now: time.Now}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	file, err := os.OpenFile(r.cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = file
	r.size = info.Size()
	r.opened = r.now()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.due(int64(len(p))) {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) due(incoming int64) bool {
	if r.size == 0 {
		return false
	}
	if r.cfg.MaxSize > 0 && r.size+incoming > r.cfg.MaxSize*1024*1024 {
		return true
	}
	y1, m1, d1 := r.opened.Date()
	y2, m2, d2 := r.now().Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}

func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	stem, ext := r.stem()
	rotated := fmt.Sprintf("%s-%s%s", stem, r.now().Format("20060102-150405.000"), ext)
	for n := 1; exists(rotated) || exists(rotated+".gz"); n++ {
		rotated = fmt.Sprintf("%s-%s.%d%s", stem, r.now().Format("20060102-150405.000"), n, ext)
	}
	if err := os.Rename(r.cfg.Path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}

	if err := r.open(); err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if r.cfg.Compress {
			compress(rotated)
		}
		r.prune()
	}()
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// stem splits the configured path into its extension and the rest.
func (r *FileRotator) stem() (string, string) {
	ext := filepath.Ext(r.cfg.Path)
	return strings.TrimSuffix(r.cfg.Path, ext), ext
}

func compress(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}

	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)
	_, copyErr := io.Copy(gz, in)
	closeErr := gz.Close()
	out.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// prune enforces MaxBackups and MaxAge over rotated files.
func (r *FileRotator) prune() {
	backups := r.Backups()

	type aged struct {
		path string
		mod  time.Time
	}
	files := make([]aged, 0, len(backups))
	for _, p := range backups {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		files = append(files, aged{p, info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })

	if r.cfg.MaxBackups > 0 && len(files) > r.cfg.MaxBackups {
		for _, f := range files[:len(files)-r.cfg.MaxBackups] {
			os.Remove(f.path)
		}
		files = files[len(files)-r.cfg.MaxBackups:]
	}
	if r.cfg.MaxAge > 0 {
		cutoff := r.now().AddDate(0, 0, -r.cfg.MaxAge)
		for _, f := range files {
			if f.mod.Before(cutoff) {
				os.Remove(f.path)
			}
		}
	}
}

// Backups lists rotated files, compressed or not.
func (r *FileRotator) Backups() []string {
	stem, ext := r.stem()
	matches, err := filepath.Glob(stem + "-*" + ext + "*")
	if err != nil {
		return nil
	}
	return matches
}

// Close waits for background compression and closes the file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wg.Wait()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Sync flushes the file to disk.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}
