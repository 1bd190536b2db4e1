// Package storage owns job artifact layout on the shared NFS mount:
// jobs/{id}/input, jobs/{id}/output, jobs/{id}/logs.
package storage

import (
	"context"

	"github.com/google/uuid"
)

// OutputFile describes one artifact produced by a job.
type OutputFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Store materializes job inputs and collects outputs and logs. The core
// consumes this interface; Local is the NFS-mount implementation.
type Store interface {
	MaterializeInput(ctx context.Context, jobID uuid.UUID, scriptName string, script []byte, datasetName string, dataset []byte) error
	ReadLogs(ctx context.Context, jobID uuid.UUID) (string, error)
	WriteLogs(ctx context.Context, jobID uuid.UUID, text string) error
	ListOutputs(ctx context.Context, jobID uuid.UUID) ([]OutputFile, error)
	Remove(ctx context.Context, jobID uuid.UUID) error

	// InputDir and OutputDir are absolute host paths used for container
	// bind mounts. LogsFile is where the container log lands.
	InputDir(jobID uuid.UUID) string
	OutputDir(jobID uuid.UUID) string
	LogsFile(jobID uuid.UUID) string
}
