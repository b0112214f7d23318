// Package audit implements the Audit Log (C11): an append-only record
// of every state-affecting event in a job's history, plus storage for
// the evidence blobs (screenshots, transcripts, tool output) a task's
// result can reference (spec.md §3, §4.11).
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kandev/orbital/internal/common/logger"
	"github.com/kandev/orbital/internal/store"
	v1 "github.com/kandev/orbital/pkg/api/v1"
)

// Log is the Audit Log: it appends entries through the Job Store and
// manages a content-addressed directory of evidence blobs those entries
// can reference by EvidenceRef.
type Log struct {
	store      store.Store
	evidenceDir string
	logger     *logger.Logger
}

// New creates a Log. evidenceDir is created if it does not already
// exist; an empty evidenceDir disables evidence storage (Attach returns
// an error, Append still works).
func New(st store.Store, evidenceDir string, log *logger.Logger) (*Log, error) {
	if evidenceDir != "" {
		if err := os.MkdirAll(evidenceDir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: create evidence directory: %w", err)
		}
	}
	return &Log{
		store:      st,
		evidenceDir: evidenceDir,
		logger:     log.WithFields(zap.String("component", "audit")),
	}, nil
}

// Append records one entry in jobID's audit trail.
func (l *Log) Append(ctx context.Context, jobID, action, status string, detail map[string]any) error {
	entry := &v1.AuditEntry{
		JobID:  jobID,
		Action: action,
		Status: status,
		Detail: detail,
	}
	if err := l.store.AppendAuditEntry(ctx, entry); err != nil {
		return fmt.Errorf("audit: append entry: %w", err)
	}
	return nil
}

// History returns jobID's full audit trail in time order.
func (l *Log) History(ctx context.Context, jobID string) ([]*v1.AuditEntry, error) {
	entries, err := l.store.ListAuditEntries(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("audit: list entries: %w", err)
	}
	return entries, nil
}

// Attach writes content to the evidence directory under its SHA-256
// content hash and returns a reference string an audit entry's
// EvidenceRef field can carry. Writing the same content twice is
// idempotent: the second call reuses the existing blob.
func (l *Log) Attach(content []byte, ext string) (string, error) {
	if l.evidenceDir == "" {
		return "", fmt.Errorf("audit: no evidence directory configured")
	}
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	name := hash
	if ext != "" {
		name = hash + "." + ext
	}
	path := filepath.Join(l.evidenceDir, name)

	if _, err := os.Stat(path); err == nil {
		return name, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("audit: stat evidence blob: %w", err)
	}

	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("audit: write evidence blob: %w", err)
	}
	return name, nil
}

// Evidence reads back a blob previously written by Attach, given the
// reference string an audit entry's EvidenceRef carries.
func (l *Log) Evidence(ref string) ([]byte, error) {
	if l.evidenceDir == "" {
		return nil, fmt.Errorf("audit: no evidence directory configured")
	}
	clean := filepath.Base(ref)
	if clean != ref {
		return nil, fmt.Errorf("audit: invalid evidence reference %q", ref)
	}
	data, err := os.ReadFile(filepath.Join(l.evidenceDir, clean))
	if err != nil {
		return nil, fmt.Errorf("audit: read evidence blob: %w", err)
	}
	return data, nil
}
