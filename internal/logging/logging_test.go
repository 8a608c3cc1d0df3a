package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNewLoggerLevels(t *testing.T) {
	ctx := context.Background()

	if !NewLogger("debug").Enabled(ctx, slog.LevelDebug) {
		t.Fatal("debug logger must enable debug records")
	}
	if NewLogger("error").Enabled(ctx, slog.LevelWarn) {
		t.Fatal("error logger must suppress warn records")
	}
	if !NewLogger(" WARNING ").Enabled(ctx, slog.LevelWarn) {
		t.Fatal("level names are case and whitespace insensitive")
	}
	if NewLogger("bogus").Enabled(ctx, slog.LevelDebug) {
		t.Fatal("unknown level must fall back to info")
	}
}
