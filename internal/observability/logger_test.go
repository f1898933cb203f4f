package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"DEBUG", zapcore.DebugLevel, false},
		{"warning", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"trace", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	InitCLILogger("test", true)
	require.NotNil(t, CLILogger)
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))

	InitCLILogger("test", false)
	assert.False(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, CLILogger.Core().Enabled(zapcore.InfoLevel))
}

func TestConfigureRejectsUnknownProfile(t *testing.T) {
	_, err := Configure(Options{Profile: "xml"})
	require.Error(t, err)

	_, err = Configure(Options{Level: "loud"})
	require.Error(t, err)
}

func TestConfigureWritesFile(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	path := filepath.Join(t.TempDir(), "logs", "worker.log")
	logger, err := Configure(Options{Service: "gosqueeze", Level: "warn", File: path})
	require.NoError(t, err)
	assert.Same(t, logger, CLILogger)

	logger.Info("dropped")
	logger.Warn("kept", zap.String("job_id", "j-1"))
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"msg":"kept"`)
	assert.Contains(t, lines[0], `"job_id":"j-1"`)
	assert.Contains(t, lines[0], `"service":"gosqueeze"`)
}
