package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/stone-age-io/sysreport/internal/snapshot"
	"go.uber.org/zap"
)

const (
	// TimestampLayout is ISO-8601 with fixed microsecond precision so that
	// timestamps in one partition sort the same way they were written.
	TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

	dayLayout     = "2006-01-02"
	fileExtension = ".jsonl"
)

// ErrNotFound is returned by Query when no partition exists for an address
var ErrNotFound = errors.New("no data found")

// Store persists snapshots as newline-delimited JSON, one file per
// (client address, calendar day) partition.
//
// Writers are not coordinated: every Append opens the partition with
// O_APPEND, issues a single write of one complete line and closes it. On a
// local filesystem that keeps concurrent lines intact; on network
// filesystems it may not. A single writer goroutine per partition is the
// place to add ordering if that ever becomes a requirement.
type Store struct {
	dir    string
	clock  clockwork.Clock
	logger *zap.Logger
}

// QueryResult is the replay of every partition for one address
type QueryResult struct {
	Records      []json.RawMessage
	Files        int
	SkippedFiles int
	SkippedLines int
}

// New creates a store rooted at dir. The directory is created lazily on first append.
func New(dir string, clock clockwork.Clock, logger *zap.Logger) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		dir:    dir,
		clock:  clock,
		logger: logger,
	}
}

// Dir returns the storage directory
func (s *Store) Dir() string {
	return s.dir
}

// PartitionPath returns the file holding records from address on the given day (YYYY-MM-DD)
func (s *Store) PartitionPath(address, day string) string {
	return filepath.Join(s.dir, address+"_"+day+fileExtension)
}

// Append stamps payload with the current time and appends it to today's
// partition for address. The returned record is exactly what was written.
func (s *Store) Append(address string, payload *snapshot.SystemSnapshot) (*snapshot.StoredRecord, error) {
	if !validAddress(address) {
		return nil, fmt.Errorf("invalid partition address %q", address)
	}

	now := s.clock.Now()
	record := &snapshot.StoredRecord{
		ServerTimestamp: now.Format(TimestampLayout),
		Payload:         *payload,
	}

	line, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	line = append(line, '\n')

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", s.dir, err)
	}

	path := s.PartitionPath(address, now.Format(dayLayout))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open partition: %w", err)
	}

	if _, err := f.Write(line); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to append to %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close %s: %w", path, err)
	}

	s.logger.Debug("Appended record",
		zap.String("address", address),
		zap.String("file", path),
		zap.Int("bytes", len(line)))

	return record, nil
}

// Query replays every record stored for address. Partitions are visited
// newest day first; records within a partition keep their append order.
// Unreadable partitions and unparseable lines are skipped with a warning.
//
// TODO: page through partitions instead of materialising the whole history;
// a long-lived address is currently read fully into memory.
func (s *Store) Query(address string) (*QueryResult, error) {
	if !validAddress(address) {
		return nil, ErrNotFound
	}

	matches, err := filepath.Glob(filepath.Join(s.dir, address+"_*"+fileExtension))
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}

	slices.Sort(matches)
	slices.Reverse(matches)

	result := &QueryResult{
		Records: []json.RawMessage{},
		Files:   len(matches),
	}

	for _, path := range matches {
		records, skipped, err := readPartition(path)
		if err != nil {
			s.logger.Warn("Could not read partition, skipping",
				zap.String("file", path),
				zap.Error(err))
			result.SkippedFiles++
			continue
		}
		if skipped > 0 {
			s.logger.Warn("Skipped unparseable lines in partition",
				zap.String("file", path),
				zap.Int("lines", skipped))
		}
		result.SkippedLines += skipped
		result.Records = append(result.Records, records...)
	}

	return result, nil
}

// readPartition returns the valid JSON lines of one partition and the number
// of non-blank lines that failed to parse.
func readPartition(path string) ([]json.RawMessage, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var records []json.RawMessage
	skipped := 0
	reader := bufio.NewReader(file)

	for {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return nil, 0, fmt.Errorf("error reading file: %w", readErr)
		}

		trimmed := strings.TrimSpace(string(line))
		if trimmed != "" {
			if json.Valid([]byte(trimmed)) {
				records = append(records, json.RawMessage(trimmed))
			} else {
				skipped++
			}
		}

		if readErr == io.EOF {
			break
		}
	}

	return records, skipped, nil
}

// validAddress rejects identities that could escape the data directory or
// act as glob patterns.
func validAddress(address string) bool {
	if address == "" || address == "." || address == ".." {
		return false
	}
	return !strings.ContainsAny(address, `/\*?[]`)
}
