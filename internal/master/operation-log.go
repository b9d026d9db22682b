package master

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	OpRegister   = "REGISTER"
	OpReportFile = "REPORT_FILE"
	OpPrimary    = "PRIMARY"
)

type LogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Operation  string    `json:"operation"`
	ServerID   NodeID    `json:"server_id"`
	Host       string    `json:"host,omitempty"`
	Port       int       `json:"port,omitempty"`
	Filename   string    `json:"filename,omitempty"`
	HasPrimary bool      `json:"has_primary,omitempty"`
}

// MetadataLog persists registry mutations so the registry can be rebuilt after
// a coordinator restart.
type MetadataLog interface {
	Append(entry LogEntry) error
	Replay(fn func(LogEntry) error) error
	Close() error
}

// OperationLog is an append-only file of JSON encoded entries, one per line.
type OperationLog struct {
	mu      sync.Mutex
	logFile *os.File
	writer  *bufio.Writer
	logPath string
}

func OpenOperationLog(logPath string) (*OperationLog, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create operation log directory: %w", err)
	}
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open operation log: %w", err)
	}

	return &OperationLog{
		logFile: file,
		writer:  bufio.NewWriter(file),
		logPath: logPath,
	}, nil
}

func (ol *OperationLog) Append(entry LogEntry) error {
	ol.mu.Lock()
	defer ol.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	if _, err := ol.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write log entry: %w", err)
	}

	return ol.writer.Flush()
}

// Replay feeds every entry on disk to fn in write order.
func (ol *OperationLog) Replay(fn func(LogEntry) error) error {
	ol.mu.Lock()
	defer ol.mu.Unlock()

	file, err := os.Open(ol.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return fmt.Errorf("failed to unmarshal log entry on line %d: %w", line, err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}

	return scanner.Err()
}

func (ol *OperationLog) Close() error {
	ol.mu.Lock()
	defer ol.mu.Unlock()

	if err := ol.writer.Flush(); err != nil {
		return err
	}
	return ol.logFile.Close()
}

// memoryLog keeps registry state in memory only.
type memoryLog struct{}

func (memoryLog) Append(LogEntry) error             { return nil }
func (memoryLog) Replay(func(LogEntry) error) error { return nil }
func (memoryLog) Close() error                      { return nil }
