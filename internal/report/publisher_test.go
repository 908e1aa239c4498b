package report

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldcall-sampling/internal/config"
	"fieldcall-sampling/internal/models"
)

func TestKeyIsDatePartitioned(t *testing.T) {
	run := models.SamplingRun{ID: "run-1", StartedAt: time.Date(2024, 7, 5, 23, 30, 0, 0, time.UTC)}
	assert.Equal(t, "sampling-runs/2024/07/05/run-1.json", Key(run))
}

func TestPublishRunWritesLocalDocument(t *testing.T) {
	dir := t.TempDir()
	p := NewLocalPublisher(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))

	started := time.Date(2024, 7, 15, 8, 0, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)
	run := models.SamplingRun{
		ID:                "run-42",
		Status:            models.RunCompleted,
		Matched:           3,
		Processed:         3,
		SampledActivities: 2,
		Skipped:           1,
		TasksCreatedTotal: 6,
		StartedAt:         started,
		FinishedAt:        &finished,
	}
	require.NoError(t, p.PublishRun(context.Background(), run))

	body, err := os.ReadFile(filepath.Join(dir, "sampling-runs", "2024", "07", "15", "run-42.json"))
	require.NoError(t, err)

	var doc document
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "run-42", doc.Run.ID)
	assert.Equal(t, 6, doc.Run.TasksCreatedTotal)
	assert.Equal(t, 90.0, doc.DurationSec)
}

func TestNewPublisherDefaultsToLocal(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPublisher(context.Background(), config.Config{ReportOutputDir: dir}, nil)
	require.NoError(t, err)
	_, ok := p.up.(*localUploader)
	assert.True(t, ok)
}
