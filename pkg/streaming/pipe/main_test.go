package pipe

import (
	"testing"

	"github.com/vnykmshr/flowpipe/internal/gopool"
	"github.com/vnykmshr/flowpipe/internal/testutil"
)

func TestMain(m *testing.M) {
	testutil.VerifyTestMain(m, gopool.Release)
}
