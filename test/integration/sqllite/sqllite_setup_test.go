package sqllite

import (
	"path/filepath"
	"testing"

	"github.com/RealZimboGuy/stepflow/internal/config"
	"github.com/RealZimboGuy/stepflow/test/integration/common"
)

func runTestWithSetup(t *testing.T, testFunc func(t *testing.T, h *common.Harness)) {
	config.Set(config.DATABASE_TYPE, config.DATABASE_TYPE_SQLLITE)
	config.Set(config.DATABASE_SQLLITE_FILE_NAME, filepath.Join(t.TempDir(), "stepflow-test.db"))
	config.Set(config.QUEUE_TYPE, config.QUEUE_TYPE_MEMORY)
	config.Set(config.ENGINE_EXECUTOR_SIZE, "2")
	testFunc(t, common.StartHarness(t))
}
