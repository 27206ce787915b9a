package server

import (
	"log"
	"os"

	"github.com/mattn/go-isatty"
)

// LoggingConfig controls where and how the server logs.
type LoggingConfig struct {
	File  string `yaml:"file"`  // path to log to; "" means stderr
	Debug bool   `yaml:"debug"` // set from config or forced on by RunWithConfig's debug argument; NewLogger does not consult it and no [DEBUG] lines are written
}

// NewLogger builds the process-wide logger. When logging to a terminal it
// keeps the plain [LEVEL] prefix the teacher's Connection/Listener code
// already writes through Printf, rather than adding color: the severity
// tag is the thing worth keeping legible over a pipe, not decoration.
func NewLogger(cfg LoggingConfig) (*log.Logger, error) {
	out := os.Stderr
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		return log.New(f, "", log.Ldate|log.Ltime), nil
	}

	flags := log.Ldate | log.Ltime
	if isatty.IsTerminal(out.Fd()) {
		flags |= log.Lmsgprefix
	}
	return log.New(out, "", flags), nil
}
