package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LocalSink writes one JSON file per snapshot under Dir, named
// snapshot_<timestamp>.json, mirroring the original implementation's
// saveDiagnosticData/generateFrameFilePath file-per-record convention.
type LocalSink struct {
	Dir string
}

// NewLocalSink constructs a LocalSink rooted at dir, creating it if
// necessary.
func NewLocalSink(dir string) (*LocalSink, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("diagnostics: create local sink dir: %w", err)
	}
	return &LocalSink{Dir: dir}, nil
}

func (s *LocalSink) Write(ctx context.Context, snap DiagnosticSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("diagnostics: marshal snapshot: %w", err)
	}

	name := fmt.Sprintf("snapshot_%s.json", snap.Timestamp.UTC().Format("20060102_150405.000000000"))
	path := filepath.Join(s.Dir, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("diagnostics: write snapshot file: %w", err)
	}
	return nil
}

// objectKey returns the S3 key for a snapshot taken at t, mirroring
// LocalSink's file-naming convention so either sink produces comparably
// named artifacts.
func objectKey(prefix string, t time.Time) string {
	name := fmt.Sprintf("snapshot_%s.json", t.UTC().Format("20060102_150405.000000000"))
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
