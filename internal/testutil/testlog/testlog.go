package testlog

import (
	"testing"

	"github.com/CK6170/dmplink-go/internal/logging"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	l := logging.Logger("test")
	l.Info().Str("test", t.Name()).Msg("start")
}
