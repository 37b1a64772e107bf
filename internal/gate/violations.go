package gate

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Severity ranks how serious a recorded evaluation is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SecurityRisk is one immutable evaluation record. Every evaluation
// appends exactly one, allowed or blocked, so the log doubles as a full
// audit trail of what the gate was asked.
type SecurityRisk struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	Payload     string    `json:"payload"`
	Decision    string    `json:"decision"`
	Timestamp   time.Time `json:"timestamp"`
}

// ViolationLog is an append-only record store. Records are kept in memory
// and, when a path is configured, appended as JSON lines to disk.
type ViolationLog struct {
	mu      sync.Mutex
	records []SecurityRisk
	file    *os.File
}

// NewViolationLog opens a log. An empty path keeps the log memory-only.
func NewViolationLog(path string) (*ViolationLog, error) {
	l := &ViolationLog{}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("opening violation log: %w", err)
		}
		l.file = f
	}
	return l, nil
}

// Append records one evaluation.
func (l *ViolationLog) Append(risk SecurityRisk) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, risk)

	if l.file != nil {
		line, err := json.Marshal(risk)
		if err != nil {
			return fmt.Errorf("encoding violation record: %w", err)
		}
		if _, err := l.file.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("writing violation record: %w", err)
		}
	}
	return nil
}

// Records returns a copy of all records appended so far.
func (l *ViolationLog) Records() []SecurityRisk {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SecurityRisk, len(l.records))
	copy(out, l.records)
	return out
}

// Close releases the backing file, if any.
func (l *ViolationLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
