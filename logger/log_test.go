package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNamedLoggerUsesGlobalLevel(t *testing.T) {
	config := Config{
		Level:  "warn",
		Format: "console",
	}
	err := config.Configure()
	require.NoError(t, err)
	defer func() {
		config := Config{Level: "info", Format: "console"}
		require.NoError(t, config.Configure())
	}()

	poolLogger := GetLogger("test-pool")
	poolLogger.Infof("testing logging")
	poolLogger.Warnf("WARN testing logging %s", "args")

	require.False(t, poolLogger.logger.Core().Enabled(zap.DebugLevel))
	require.False(t, poolLogger.logger.Core().Enabled(zap.InfoLevel))
	require.True(t, poolLogger.logger.Core().Enabled(zap.WarnLevel))

	// same name, same instance
	require.Same(t, poolLogger, GetLogger("test-pool"))

	slotLogger := poolLogger.With("slot", 3)
	require.True(t, slotLogger.logger.Core().Enabled(zap.WarnLevel))
	slotLogger.Errorf("error %d", 1)
}

func TestConfigureRejectsBadFormat(t *testing.T) {
	config := Config{Level: "info", Format: "xml"}
	require.Error(t, config.Configure())

	config = Config{Level: "loud", Format: "console"}
	require.Error(t, config.Configure())
}

func TestPackageLevelLogging(t *testing.T) {
	config := Config{Level: "debug", Format: "json"}
	require.NoError(t, config.Configure())
	defer func() {
		config := Config{Level: "info", Format: "console"}
		require.NoError(t, config.Configure())
	}()
	require.True(t, DebugEnabled)
	Debug("debug 1", " debug 2")
	Debugf("debug %d debug %d", 1, 2)
	Info("info 1", " info 2")
	Infof("info %d info %d", 1, 2)
	Warn("warn 1", " warn 2")
	Warnf("warn %d warn %d", 1, 2)
	Error("error 1", " error 2")
	Errorf("error %d error %d", 1, 2)
}
