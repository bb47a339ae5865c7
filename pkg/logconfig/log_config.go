package logconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.elastic.co/ecszerolog"
)

var appPrefix string
var setAppPrefixOnce *sync.Once = &sync.Once{}
var startupLoggerOnce *sync.Once = &sync.Once{}

// SetAppPrefix sets the app prefix attached to every log event.
func SetAppPrefix(name string) {
	setAppPrefixOnce.Do(func() {
		appPrefix = name
	})
}

// Startup configures the global logger: a pretty console writer plus an
// ECS-formatted log file under <outputDir>/logs. Run SetAppPrefix before
// Startup. An empty outputDir disables file logging.
func Startup(outputDir string) error {
	if appPrefix == "" {
		return fmt.Errorf("app prefix is required")
	}
	var err error
	startupLoggerOnce.Do(func() {
		err = startupLogger(outputDir)
	})
	return err
}

func startupLogger(outputDir string) error {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout}

	if outputDir == "" {
		// Fallback to console only
		log.Logger = zerolog.New(consoleWriter).With().Str("app", appPrefix).
			Timestamp().Logger()
		return nil
	}

	logsDir := filepath.Join(outputDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	filename := fmt.Sprintf("%s_%s.log", appPrefix, time.Now().Format("20060102_150405"))
	file, err := os.OpenFile(filepath.Join(logsDir, filename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	// ECS format to the file, pretty output to the console
	ecsLogger := ecszerolog.New(file)

	multi := zerolog.MultiLevelWriter(
		ecsLogger,
		consoleWriter,
	)

	log.Logger = zerolog.New(multi).With().Str("app", appPrefix).
		Timestamp().Logger()
	return nil
}
