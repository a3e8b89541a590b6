package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// partitionLayout names one ledger file per calendar month, e.g. 10-2026.txt.
const partitionLayout = "01-2006"

// FileLedger records ingested links in newline-delimited monthly files.
// Only the current month's file is consulted.
type FileLedger struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

// NewFileLedger creates a ledger rooted at dir.
func NewFileLedger(dir string) *FileLedger {
	return &FileLedger{dir: dir, now: time.Now}
}

// PartitionPath returns the file backing the active partition.
func (l *FileLedger) PartitionPath() string {
	return filepath.Join(l.dir, l.now().Format(partitionLayout)+".txt")
}

// LoadRecentLinks returns every link in the active partition. A missing
// partition is an empty set.
func (l *FileLedger) LoadRecentLinks() (map[string]struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	links := make(map[string]struct{})
	f, err := os.Open(l.PartitionPath())
	if errors.Is(err, fs.ErrNotExist) {
		return links, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if link := strings.TrimSpace(sc.Text()); link != "" {
			links[link] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return links, nil
}

// RecordLink appends link to the active partition, creating it if needed.
func (l *FileLedger) RecordLink(link string) error {
	link = strings.TrimSpace(link)
	if link == "" {
		return errors.New("empty link")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create ledger dir: %w", err)
	}
	f, err := os.OpenFile(l.PartitionPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	if _, err := f.WriteString(link + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to ledger: %w", err)
	}
	return f.Close()
}
