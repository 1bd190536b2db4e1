package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestMaterializeInput(t *testing.T) {
	store := NewLocal(t.TempDir(), 1<<20)
	ctx := context.Background()
	jobID := uuid.New()

	err := store.MaterializeInput(ctx, jobID, "train.py", []byte("print('hi')"), "weights.bin", []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}

	// Script lands in input/, dataset under input/data/.
	script, err := os.ReadFile(filepath.Join(store.InputDir(jobID), "train.py"))
	if err != nil {
		t.Fatalf("read script: %v", err)
	}
	if string(script) != "print('hi')" {
		t.Errorf("script content: %q", script)
	}
	if _, err := os.Stat(filepath.Join(store.InputDir(jobID), "data", "weights.bin")); err != nil {
		t.Errorf("dataset not materialized: %v", err)
	}

	// Output and logs directories exist up front so the container can mount them.
	for _, dir := range []string{store.OutputDir(jobID), filepath.Dir(store.LogsFile(jobID))} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("missing directory %s: %v", dir, err)
		}
	}
}

func TestMaterializeInput_StripsPathComponents(t *testing.T) {
	store := NewLocal(t.TempDir(), 1<<20)
	jobID := uuid.New()

	err := store.MaterializeInput(context.Background(), jobID, "../../etc/train.py", []byte("x"), "", nil)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.InputDir(jobID), "train.py")); err != nil {
		t.Errorf("script not written under input dir: %v", err)
	}
}

func TestMaterializeInput_SizeCap(t *testing.T) {
	store := NewLocal(t.TempDir(), 10)
	jobID := uuid.New()

	err := store.MaterializeInput(context.Background(), jobID, "big.py", make([]byte, 8), "data.bin", make([]byte, 8))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("oversized upload: got %v, want ErrTooLarge", err)
	}
	if _, err := os.Stat(store.InputDir(jobID)); !errors.Is(err, os.ErrNotExist) {
		t.Error("rejected upload must not leave files behind")
	}
}

func TestLogsRoundTrip(t *testing.T) {
	store := NewLocal(t.TempDir(), 1<<20)
	ctx := context.Background()
	jobID := uuid.New()

	// No logs yet reads as empty, not as an error.
	text, err := store.ReadLogs(ctx, jobID)
	if err != nil || text != "" {
		t.Fatalf("missing logs: got (%q, %v), want empty", text, err)
	}

	if err := store.WriteLogs(ctx, jobID, "epoch 1 done\n"); err != nil {
		t.Fatalf("write logs: %v", err)
	}
	text, err = store.ReadLogs(ctx, jobID)
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}
	if text != "epoch 1 done\n" {
		t.Errorf("logs round-trip: %q", text)
	}
}

func TestListOutputs(t *testing.T) {
	store := NewLocal(t.TempDir(), 1<<20)
	ctx := context.Background()
	jobID := uuid.New()

	// A job with no output directory has no outputs.
	files, err := store.ListOutputs(ctx, jobID)
	if err != nil || files != nil {
		t.Fatalf("missing output dir: got (%v, %v), want (nil, nil)", files, err)
	}

	if err := store.MaterializeInput(ctx, jobID, "run.py", []byte("x"), "", nil); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	outDir := store.OutputDir(jobID)
	if err := os.WriteFile(filepath.Join(outDir, "model.pt"), make([]byte, 42), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(outDir, "checkpoints"), 0o777); err != nil {
		t.Fatal(err)
	}

	files, err = store.ListOutputs(ctx, jobID)
	if err != nil {
		t.Fatalf("list outputs: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("output count: got %d, want 1 (directories are skipped)", len(files))
	}
	if files[0].Name != "model.pt" || files[0].Size != 42 {
		t.Errorf("output entry: %+v", files[0])
	}
}

func TestRemove(t *testing.T) {
	store := NewLocal(t.TempDir(), 1<<20)
	ctx := context.Background()
	jobID := uuid.New()

	if err := store.MaterializeInput(ctx, jobID, "run.py", []byte("x"), "", nil); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if err := store.Remove(ctx, jobID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(store.InputDir(jobID)); !errors.Is(err, os.ErrNotExist) {
		t.Error("job directory survived removal")
	}

	// Removing an already-absent job is a no-op.
	if err := store.Remove(ctx, uuid.New()); err != nil {
		t.Errorf("remove missing job: %v", err)
	}
}
