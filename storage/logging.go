package storage

import (
	"fmt"
	"os"
	"time"

	"github.com/trekkermoja1/Wabot-trekker-sub000/logger"
)

// Log is the package-level logger, injected by the application.
var Log *logger.Logger

// SetLogger injects the structured logger from the main application.
func SetLogger(l *logger.Logger) {
	Log = l
}

func logInfo(msg string, kv ...interface{}) {
	if Log != nil {
		Log.Info(msg, kv...)
		return
	}
	fallbackLog("INFO", msg, kv...)
}

func logWarn(msg string, kv ...interface{}) {
	if Log != nil {
		Log.Warn(msg, kv...)
		return
	}
	fallbackLog("WARN", msg, kv...)
}

func fallbackLog(level, msg string, kv ...interface{}) {
	line := fmt.Sprintf("%s [storage][%s] %s", time.Now().Format(time.RFC3339), level, msg)
	for i := 0; i+1 < len(kv); i += 2 {
		line += fmt.Sprintf(" %v=%v", kv[i], kv[i+1])
	}
	fmt.Fprintln(os.Stderr, line)
}
