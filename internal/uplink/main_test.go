package uplink_test

import (
	"io"
	"os"
	"testing"

	"github.com/okian/aegis/pkg/logger"
)

func TestMain(m *testing.M) {
	if err := logger.Init(logger.WithOutput(io.Discard)); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}
