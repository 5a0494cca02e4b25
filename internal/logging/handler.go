package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// NewHandler picks a colored human readable handler when stdout is a
// terminal and JSON lines otherwise.
func NewHandler(level slog.Leveler) slog.Handler {
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{Level: level})
	}
	return NewJSONHandler(os.Stdout, level)
}

func NewJSONHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}
