package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_File(t *testing.T) {
	name := filepath.Join(t.TempDir(), "treadmill")
	logger, closer := Setup(LoggerSetupParams{LogFileName: name})
	logger.Printf("Engine: Workout %d started", 7)
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(name + ".log")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Engine: Workout 7 started")
}

func TestSetup_KeepsLogSuffix(t *testing.T) {
	name := filepath.Join(t.TempDir(), "sync.log")
	logger, closer := Setup(LoggerSetupParams{LogFileName: name, Verbose: true})
	logger.Println("hello")
	require.NoError(t, closer.Close())

	_, err := os.Stat(name)
	assert.NoError(t, err)
}

func TestSetup_StdoutOnly(t *testing.T) {
	logger, closer := Setup(LoggerSetupParams{})
	assert.NotNil(t, logger)
	assert.Equal(t, os.Stdout, logger.Writer())
	assert.NoError(t, closer.Close())
}
