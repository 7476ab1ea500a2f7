package diagnostics

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lanternops/deskrelay/internal/queuemanager"
	"github.com/lanternops/deskrelay/internal/threadmanager"
)

type recordingSink struct {
	mu    sync.Mutex
	snaps []DiagnosticSnapshot
}

func (s *recordingSink) Write(ctx context.Context, snap DiagnosticSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}

func TestSidecarTicksAndWritesSnapshots(t *testing.T) {
	tm := threadmanager.New(threadmanager.Events{})
	qm := queuemanager.New(4, 4, queuemanager.Events{})
	sink := &recordingSink{}

	sc := New(tm, qm, sink, 20*time.Millisecond, false)
	sc.Start(context.Background())
	defer sc.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sink.count() >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected at least two snapshots to be written")
}

func TestSidecarStopIsIdempotentAndSafeWithoutStart(t *testing.T) {
	tm := threadmanager.New(threadmanager.Events{})
	qm := queuemanager.New(4, 4, queuemanager.Events{})
	sc := New(tm, qm, &recordingSink{}, time.Second, false)

	sc.Stop() // never started
	sc.Start(context.Background())
	sc.Stop()
	sc.Stop() // already stopped
}

type failingSink struct{}

func (failingSink) Write(ctx context.Context, snap DiagnosticSnapshot) error {
	return os.ErrInvalid
}

func TestSidecarCountsSinkFailuresWithoutPanicking(t *testing.T) {
	tm := threadmanager.New(threadmanager.Events{})
	qm := queuemanager.New(4, 4, queuemanager.Events{})
	sc := New(tm, qm, failingSink{}, 15*time.Millisecond, false)

	sc.Start(context.Background())
	defer sc.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sc.Failures() >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected sink failures to be counted")
}

func TestLocalSinkWritesOneFilePerSnapshot(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewLocalSink(dir)
	if err != nil {
		t.Fatalf("NewLocalSink: %v", err)
	}

	snap := DiagnosticSnapshot{Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	if err := sink.Write(context.Background(), snap); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one snapshot file, got %d", len(entries))
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var got DiagnosticSnapshot
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.Timestamp.Equal(snap.Timestamp) {
		t.Fatalf("timestamp = %v, want %v", got.Timestamp, snap.Timestamp)
	}
}

func TestSampleReturnsPlausibleReadings(t *testing.T) {
	hs, err := Sample()
	if err != nil {
		t.Skipf("host sample unavailable in this environment: %v", err)
	}
	if hs.RAMPercent < 0 || hs.RAMPercent > 100 {
		t.Fatalf("RAMPercent = %v, want within [0,100]", hs.RAMPercent)
	}
}
