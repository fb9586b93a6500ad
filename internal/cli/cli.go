package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/vk/mediagrid/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	if v == "" {
		return fmt.Errorf("empty path")
	}
	*l = append(*l, v)
	return nil
}

// Parse processes command-line arguments. It returns a populated app.Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("mediagrid", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
MediaGrid - A dataflow engine for media graphs that can be rewired while they run.

Usage:
  mediagrid [options] [GRAPH_PATH]

Arguments:
  GRAPH_PATH
    Path to a .hcl, .yaml, .yml or .json description, or a directory of them.

Options:
`)
		flagSet.PrintDefaults()
	}

	var updates stringList
	graphFlag := flagSet.String("graph", "", "Path to the graph description file or directory.")
	gFlag := flagSet.String("g", "", "Path to the graph description file or directory (shorthand).")
	flagSet.Var(&updates, "update", "Update document applied once the graph runs. Repeatable; applied in order.")
	updateDelayFlag := flagSet.Duration("update-delay", 20*time.Millisecond, "Pause before each update document.")
	healthPortFlag := flagSet.Int("healthcheck-port", 0, "Port for the HTTP health check and metrics server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	queueFlag := flagSet.Int("queue-capacity", 0, "Bound of every stream queue. 0 uses the description or the engine default.")
	drainFlag := flagSet.Duration("drain-timeout", 10*time.Second, "How long removals, swaps and shutdown wait for nodes to drain.")
	faultFlag := flagSet.String("fault-policy", "contain", "What a node failure does. Options: 'contain' or 'abort'.")
	progressDecFlag := flagSet.String("progress-decoder", "", "Alias of the decoder reporting the total frame count.")
	progressEncFlag := flagSet.String("progress-encoder", "", "Alias of the encoder whose input drives progress reporting.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	path := ""
	if *graphFlag != "" {
		path = *graphFlag
	} else if *gFlag != "" {
		path = *gFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	slog.Debug("Graph path determined.", "path", path)

	if path == "" {
		slog.Debug("No graph path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	config, err := app.NewConfig(app.Config{
		GraphPath:       path,
		UpdatePaths:     updates,
		UpdateDelay:     *updateDelayFlag,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		HealthcheckPort: *healthPortFlag,
		QueueCapacity:   *queueFlag,
		DrainTimeout:    *drainFlag,
		FaultPolicy:     strings.ToLower(*faultFlag),
		ProgressDecoder: *progressDecFlag,
		ProgressEncoder: *progressEncFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}
