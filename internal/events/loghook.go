package events

import (
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap/zapcore"
)

var turtleIDPattern = regexp.MustCompile(`Turtle\s+(\d+)`)

// NewLogHook returns a zap entry hook that mirrors log records into the
// event stream as "log" events. Records below info level are skipped, as
// are the list-endpoint access lines that would otherwise spam dashboards.
// A turtle id is extracted from messages mentioning "Turtle <n>".
//
// publish must not block; the hook runs inline with the logging call.
func NewLogHook(publish func(data map[string]interface{})) func(zapcore.Entry) error {
	return func(entry zapcore.Entry) error {
		if entry.Level < zapcore.InfoLevel {
			return nil
		}
		msg := entry.Message
		if strings.HasPrefix(msg, "GET /turtles") || strings.HasPrefix(msg, "GET /routines") {
			return nil
		}

		var turtleID *int
		if m := turtleIDPattern.FindStringSubmatch(msg); m != nil {
			if id, err := strconv.Atoi(m[1]); err == nil {
				turtleID = &id
			}
		}

		publish(LogEventData(turtleID, levelName(entry.Level), msg))
		return nil
	}
}

// levelName renders zap levels with the names dashboards already know.
func levelName(level zapcore.Level) string {
	switch level {
	case zapcore.WarnLevel:
		return "WARNING"
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return "CRITICAL"
	default:
		return level.CapitalString()
	}
}
