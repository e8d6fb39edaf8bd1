package logging

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Setup configures the process-wide logger.
func Setup(level, format string) error {
	lvl, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stdout)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("log format must be one of text|json")
	}
	return nil
}
