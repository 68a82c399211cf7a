package logging

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Init configures the process-wide logrus logger. Production environments get
// JSON lines; everything else gets human readable text.
func Init(level string) {
	log.SetOutput(os.Stdout)
	if strings.EqualFold(os.Getenv("ENVIRONMENT"), "production") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}
