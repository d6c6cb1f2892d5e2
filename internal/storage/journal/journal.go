package journal

// ============================================================================
// Journal
// Responsibilities:
// 1. Append lifecycle events to a JSON-lines file (append-only)
// 2. Replay events with checksum verification
// 3. Resume the sequence number when an existing journal is reopened
//
// The journal is an audit trail. The checkpoint remains the only source of
// truth for resuming the queue.
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrChecksumMismatch indicates a record was altered or torn
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")
	// ErrClosed indicates the journal is closed
	ErrClosed = errors.New("journal: already closed")
)

// Journal is an append-only event log.
type Journal struct {
	mu           sync.Mutex
	file         *os.File
	encoder      *json.Encoder
	path         string
	seq          uint64
	syncOnAppend bool
	runID        string
	closed       bool
}

// Open creates or reopens the journal at path. A torn final record left by
// a crash is cut off before anything new is appended.
func Open(path string, syncOnAppend bool) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	if err := repairTail(path); err != nil {
		return nil, err
	}
	seq, err := lastSeq(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	return &Journal{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
		runID:        uuid.NewString(),
	}, nil
}

// Append assigns the next sequence number and checksum and writes event.
func (j *Journal) Append(event Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	j.seq++
	event.Seq = j.seq
	event.RunID = j.runID
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	event.Checksum = CalculateChecksum(event.Type, event.Experiment, event.Seq)

	if err := j.encoder.Encode(event); err != nil {
		return fmt.Errorf("journal: append seq=%d: %w", event.Seq, err)
	}
	if j.syncOnAppend {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("journal: sync: %w", err)
		}
	}
	return nil
}

// Replay feeds every event to handler in order, stopping at the first
// checksum mismatch or handler error.
func (j *Journal) Replay(handler EventHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return ReplayFile(j.path, handler)
}

// LastSeq returns the sequence number of the last appended event.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// RunID identifies this process in the events it writes.
func (j *Journal) RunID() string {
	return j.runID
}

// Close flushes and closes the file. A closed journal cannot be reused.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// ReplayFile replays a journal without opening it for writing. A final
// record without its newline that does not decode is a torn write and ends
// the replay without error.
func ReplayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var seq uint64
	for {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("journal: read after seq=%d: %w", seq, readErr)
		}
		atEOF := errors.Is(readErr, io.EOF)

		if len(bytes.TrimSpace(line)) > 0 {
			var event Event
			if err := json.Unmarshal(line, &event); err != nil {
				if atEOF {
					return nil
				}
				return fmt.Errorf("journal: decode after seq=%d: %w", seq, err)
			}
			if !VerifyChecksum(event) {
				return fmt.Errorf("%w at seq=%d", ErrChecksumMismatch, event.Seq)
			}
			if err := handler(event); err != nil {
				return err
			}
			seq = event.Seq
		}

		if atEOF {
			return nil
		}
	}
}

// repairTail makes sure the journal ends with a newline. A trailing fragment
// that is a complete record only gets its newline back; anything else is
// truncated.
func repairTail(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read journal: %w", err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}

	keep := bytes.LastIndexByte(data, '\n') + 1
	var event Event
	if json.Unmarshal(data[keep:], &event) == nil && VerifyChecksum(event) {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer f.Close()
		if _, err := f.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("repair journal tail: %w", err)
		}
		return nil
	}
	if err := os.Truncate(path, int64(keep)); err != nil {
		return fmt.Errorf("truncate torn journal record: %w", err)
	}
	return nil
}

// lastSeq scans the journal for its last sequence number. A torn final
// record (crash mid-write) is ignored.
func lastSeq(path string) (uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	var seq uint64
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		if event.Seq > seq {
			seq = event.Seq
		}
	}
	return seq, scanner.Err()
}
