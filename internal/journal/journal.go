// Package journal keeps an append-only JSON-lines record of every node a run
// touches. A journal survives a killed process, so a deployment that never
// got its manifest written can still be rebuilt and torn down.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yairfalse/stackline/types"
)

// EntryType defines the type of journal entry
type EntryType string

const (
	EntryStarted  EntryType = "started"
	EntryCreated  EntryType = "created"
	EntryReused   EntryType = "reused"
	EntryDeleted  EntryType = "deleted"
	EntrySkipped  EntryType = "skipped"
	EntryFailed   EntryType = "failed"
	EntryFinished EntryType = "finished"
)

// Operation names the run that wrote an entry.
type Operation string

const (
	OpProvision Operation = "provision"
	OpTeardown  Operation = "teardown"
)

// Entry represents a single journal entry
type Entry struct {
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
	RunID      string          `json:"runId"`
	Operation  Operation       `json:"operation"`
	Type       EntryType       `json:"type"`
	NodeType   types.NodeType  `json:"nodeType,omitempty"`
	ResourceID string          `json:"resourceId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Journal appends entries for one deployment. A nil *Journal discards
// everything, so callers can run without one.
type Journal struct {
	mu        sync.Mutex
	file      *os.File
	writer    *bufio.Writer
	sequence  int64
	runID     string
	operation Operation
	now       func() time.Time
}

// Path returns the journal file for a deployment.
func Path(dir, deployID string) string {
	return filepath.Join(dir, deployID+".journal")
}

// Open creates or appends to the journal of deployID in dir.
func Open(dir, deployID string, op Operation) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	path := Path(dir, deployID)
	seq, err := lastSequence(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &Journal{
		file:      file,
		writer:    bufio.NewWriter(file),
		sequence:  seq,
		runID:     uuid.New().String(),
		operation: op,
		now:       time.Now,
	}, nil
}

// RunID identifies the run writing to this journal.
func (j *Journal) RunID() string {
	if j == nil {
		return ""
	}
	return j.runID
}

// Close flushes and closes the journal
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writer.Flush(); err != nil {
		return err
	}
	return j.file.Close()
}

// Append adds an entry to the journal
func (j *Journal) Append(entryType EntryType, nodeType types.NodeType, resourceID string, data any) error {
	return j.append(entryType, nodeType, resourceID, data, nil)
}

// AppendError adds an entry carrying the error text
func (j *Journal) AppendError(entryType EntryType, nodeType types.NodeType, resourceID string, data any, errToLog error) error {
	return j.append(entryType, nodeType, resourceID, data, errToLog)
}

func (j *Journal) append(entryType EntryType, nodeType types.NodeType, resourceID string, data any, errToLog error) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	entry := Entry{
		Timestamp:  j.now(),
		Sequence:   j.sequence + 1,
		RunID:      j.runID,
		Operation:  j.operation,
		Type:       entryType,
		NodeType:   nodeType,
		ResourceID: resourceID,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
		entry.Data = raw
	}
	if errToLog != nil {
		entry.Error = errToLog.Error()
	}

	if err := j.writeEntry(entry); err != nil {
		return err
	}
	j.sequence = entry.Sequence
	return nil
}

// writeEntry writes and syncs one line; entries must hit disk before the
// next provider call.
func (j *Journal) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if _, err := j.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}

	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return j.file.Sync()
}

// lastSequence continues numbering after the last entry of an existing file.
func lastSequence(path string) (int64, error) {
	var last int64
	err := Replay(path, func(e *Entry) error {
		last = e.Sequence
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return last, nil
}

// Reader provides journal replay functionality
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader creates a reader for the journal file at path
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &Reader{
		scanner: bufio.NewScanner(file),
		file:    file,
	}, nil
}

// Next reads the next entry; io.EOF marks the end.
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}

	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay feeds every entry of the journal at path to handler in order.
func Replay(path string, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
}
