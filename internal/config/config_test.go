package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embertide/emberos/internal/config"
)

func TestDefaults_PassesValidate(t *testing.T) {
	require.NoError(t, config.Validate(config.Defaults()))
}

func TestValidate_RejectsNegativeTimeout(t *testing.T) {
	cfg := config.Defaults()
	cfg.Timeout = -1
	assert.Error(t, config.Validate(cfg))
}

func TestValidate_RejectsZeroEventBusBuffer(t *testing.T) {
	cfg := config.Defaults()
	cfg.EventBusBuffer = 0
	assert.Error(t, config.Validate(cfg))
}

func TestValidate_RejectsHistoryEnabledWithoutPath(t *testing.T) {
	cfg := config.Defaults()
	cfg.History.Enabled = true
	cfg.History.DBPath = ""
	assert.Error(t, config.Validate(cfg))
}

func TestValidateTracing_RejectsOutOfRangeSampleRate(t *testing.T) {
	tr := config.Defaults().Tracing
	tr.SampleRate = 1.5
	assert.Error(t, config.ValidateTracing(tr))
}

func TestValidateTracing_RejectsUnknownExporter(t *testing.T) {
	tr := config.Defaults().Tracing
	tr.Exporter = "carrier-pigeon"
	assert.Error(t, config.ValidateTracing(tr))
}

func TestValidateTracing_RequiresFilePathForFileExporter(t *testing.T) {
	tr := config.Defaults().Tracing
	tr.Enabled = true
	tr.Exporter = "file"
	tr.FilePath = ""
	assert.Error(t, config.ValidateTracing(tr))
}

func TestValidateTracing_RequiresEndpointForOTLPExporter(t *testing.T) {
	tr := config.Defaults().Tracing
	tr.Enabled = true
	tr.Exporter = "otlp"
	tr.OTLPEndpoint = ""
	assert.Error(t, config.ValidateTracing(tr))
}

func TestValidateTracing_DisabledSkipsExporterRequirements(t *testing.T) {
	tr := config.Defaults().Tracing
	tr.Enabled = false
	tr.Exporter = "otlp"
	tr.OTLPEndpoint = ""
	assert.NoError(t, config.ValidateTracing(tr))
}

func TestWriteDefaultConfig_DoesNotOverwriteExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	require.NoError(t, config.WriteDefaultConfig(path))
	original, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(original), "timeout:")

	require.NoError(t, os.WriteFile(path, []byte("sentinel: true"), 0600))
	require.NoError(t, config.WriteDefaultConfig(path))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "sentinel: true", string(after))
}

func TestWriteDefaultConfig_CreatesParentDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	require.NoError(t, config.WriteDefaultConfig(path))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestDefaultHistoryDBPath_EndsInExpectedSuffix(t *testing.T) {
	assert.Contains(t, config.DefaultHistoryDBPath(), filepath.Join("emberos", "susres", "history.db"))
}
