package us

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	doneFile      = ".ingested"
	completedFile = ".last-completed"
	targetFile    = ".target"
)

// progressTracker records which symbols have been ingested up to a target
// date so an interrupted run resumes where it stopped.
type progressTracker struct {
	mu     sync.Mutex
	dir    string
	done   map[string]struct{}
	file   *os.File
	writer *bufio.Writer
}

// newProgressTracker opens the tracker in dir for the given target date.
// Progress recorded for a different target is discarded.
func newProgressTracker(dir, target string) (*progressTracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating progress dir: %w", err)
	}
	pt := &progressTracker{dir: dir, done: make(map[string]struct{})}

	if readTrimmed(filepath.Join(dir, targetFile)) != target {
		os.Remove(filepath.Join(dir, doneFile))
		if err := os.WriteFile(filepath.Join(dir, targetFile), []byte(target), 0o644); err != nil {
			return nil, fmt.Errorf("writing target: %w", err)
		}
	} else if data, err := os.ReadFile(filepath.Join(dir, doneFile)); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if sym := strings.TrimSpace(line); sym != "" {
				pt.done[sym] = struct{}{}
			}
		}
	}

	f, err := os.OpenFile(filepath.Join(dir, doneFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", doneFile, err)
	}
	pt.file = f
	pt.writer = bufio.NewWriter(f)
	return pt, nil
}

// IsDone reports whether symbol was already ingested for the target.
func (p *progressTracker) IsDone(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.done[symbol]
	return ok
}

// MarkDone records a batch of symbols as ingested.
func (p *progressTracker) MarkDone(symbols []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, sym := range symbols {
		if _, ok := p.done[sym]; ok {
			continue
		}
		p.done[sym] = struct{}{}
		if _, err := p.writer.WriteString(sym + "\n"); err != nil {
			return fmt.Errorf("writing %s: %w", doneFile, err)
		}
	}
	return p.writer.Flush()
}

// MarkCompleted records that every symbol was ingested up to date.
func (p *progressTracker) MarkCompleted(date string) error {
	return os.WriteFile(filepath.Join(p.dir, completedFile), []byte(date), 0o644)
}

// IsCompleted reports whether a full run already finished for date.
func (p *progressTracker) IsCompleted(date string) bool {
	return readTrimmed(filepath.Join(p.dir, completedFile)) == date
}

// Close flushes and closes the progress file.
func (p *progressTracker) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer != nil {
		p.writer.Flush()
	}
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
