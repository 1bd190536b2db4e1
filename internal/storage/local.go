package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrTooLarge is returned when an uploaded artifact exceeds the size cap.
var ErrTooLarge = errors.New("upload exceeds maximum size")

const logFileName = "container.log"

// Local stores job artifacts under a mounted directory (the NFS export in
// the reference deployment).
type Local struct {
	root      string
	maxUpload int64
}

func NewLocal(root string, maxUploadBytes int64) *Local {
	return &Local{root: root, maxUpload: maxUploadBytes}
}

var _ Store = (*Local)(nil)

func (l *Local) jobDir(jobID uuid.UUID) string {
	return filepath.Join(l.root, "jobs", jobID.String())
}

func (l *Local) InputDir(jobID uuid.UUID) string {
	return filepath.Join(l.jobDir(jobID), "input")
}

func (l *Local) OutputDir(jobID uuid.UUID) string {
	return filepath.Join(l.jobDir(jobID), "output")
}

func (l *Local) logsDir(jobID uuid.UUID) string {
	return filepath.Join(l.jobDir(jobID), "logs")
}

func (l *Local) LogsFile(jobID uuid.UUID) string {
	return filepath.Join(l.logsDir(jobID), logFileName)
}

// MaterializeInput writes the script (and optional dataset) and prepares
// the output and logs directories.
func (l *Local) MaterializeInput(ctx context.Context, jobID uuid.UUID, scriptName string, script []byte, datasetName string, dataset []byte) error {
	if int64(len(script))+int64(len(dataset)) > l.maxUpload {
		return ErrTooLarge
	}
	inputDir := l.InputDir(jobID)
	for _, d := range []string{inputDir, l.OutputDir(jobID), l.logsDir(jobID)} {
		if err := os.MkdirAll(d, 0o777); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	scriptName = filepath.Base(scriptName)
	if err := os.WriteFile(filepath.Join(inputDir, scriptName), script, 0o644); err != nil {
		return fmt.Errorf("write script: %w", err)
	}
	if len(dataset) > 0 {
		dataDir := filepath.Join(inputDir, "data")
		if err := os.MkdirAll(dataDir, 0o777); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dataDir, filepath.Base(datasetName)), dataset, 0o644); err != nil {
			return fmt.Errorf("write dataset: %w", err)
		}
	}
	return nil
}

func (l *Local) ReadLogs(ctx context.Context, jobID uuid.UUID) (string, error) {
	data, err := os.ReadFile(filepath.Join(l.logsDir(jobID), logFileName))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (l *Local) WriteLogs(ctx context.Context, jobID uuid.UUID, text string) error {
	dir := l.logsDir(jobID)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, logFileName), []byte(text), 0o644)
}

func (l *Local) ListOutputs(ctx context.Context, jobID uuid.UUID) ([]OutputFile, error) {
	entries, err := os.ReadDir(l.OutputDir(jobID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []OutputFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, OutputFile{Name: e.Name(), Size: info.Size()})
	}
	return out, nil
}

// Remove deletes all artifacts for a job (admin cleanup).
func (l *Local) Remove(ctx context.Context, jobID uuid.UUID) error {
	return os.RemoveAll(l.jobDir(jobID))
}
