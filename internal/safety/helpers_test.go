package safety

import (
	"testing"

	"github.com/charmbracelet/log"

	"github.com/toolgate/toolgate/internal/testutil"
)

func testLogger(t *testing.T) *log.Logger {
	return testutil.TestLogger(t)
}
