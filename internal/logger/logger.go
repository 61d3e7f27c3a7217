// Package logger emits one JSON object per line with a level, a message,
// and structured fields.
//
// Fields carrying credentials are redacted before marshalling. License
// keys are shortened to their ends instead of blanked: support needs to
// match a customer's key fragment without the full key ever landing in
// the logs. Routing fields such as dedupe_key and correlation_id are
// deliberately not treated as secrets; reconciliation is undebuggable
// without them.
package logger

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type Logger struct {
	level LogLevel
}

type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

var defaultLogger = &Logger{level: INFO}

func New(level LogLevel) *Logger {
	return &Logger{level: level}
}

func SetLevel(level LogLevel) {
	defaultLogger.level = level
}

// blanked names never reach the log at all; their values are replaced
// outright.
var blanked = map[string]struct{}{
	"secret":                  {},
	"token":                   {},
	"password":                {},
	"authorization":           {},
	"signature":               {},
	"api_key":                 {},
	"webhook_secret":          {},
	"stripe_webhook_secret":   {},
	"coinbase_webhook_secret": {},
	"smtp_pass":               {},
	"sentry_dsn":              {},
}

// shortened names keep their first and last characters, enough for a
// support agent to match against what the customer reads out.
var shortened = map[string]struct{}{
	"key":         {},
	"license_key": {},
}

func (l *Logger) log(level LogLevel, message string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level.String(),
		Message:   message,
		Fields:    redactFields(fields),
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		log.Printf("Failed to marshal log entry: %v", err)
		return
	}

	log.Println(string(jsonBytes))
}

func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.log(DEBUG, message, mergeFields(fields...))
}

func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.log(INFO, message, mergeFields(fields...))
}

func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.log(WARN, message, mergeFields(fields...))
}

func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.log(ERROR, message, mergeFields(fields...))
}

// Package-level convenience functions
func Debug(message string, fields ...map[string]interface{}) {
	defaultLogger.Debug(message, fields...)
}

func Info(message string, fields ...map[string]interface{}) {
	defaultLogger.Info(message, fields...)
}

func Warn(message string, fields ...map[string]interface{}) {
	defaultLogger.Warn(message, fields...)
}

func Error(message string, fields ...map[string]interface{}) {
	defaultLogger.Error(message, fields...)
}

func mergeFields(fieldMaps ...map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{})
	for _, fields := range fieldMaps {
		for k, v := range fields {
			result[k] = v
		}
	}
	return result
}

func redactFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = redact(strings.ToLower(k), v)
	}
	return out
}

// redact matches field names exactly, never by substring: dedupe_key and
// event ids must survive intact, and a substring rule on "key" would eat
// them.
func redact(name string, v interface{}) interface{} {
	if _, ok := blanked[name]; ok {
		return "[REDACTED]"
	}
	if _, ok := shortened[name]; ok {
		str, isString := v.(string)
		if !isString || str == "" {
			return "[REDACTED]"
		}
		if len(str) <= 8 {
			return "[REDACTED]"
		}
		return str[:3] + "..." + str[len(str)-3:]
	}
	return v
}

func init() {
	// Tests only want WARN and above.
	if os.Getenv("GO_ENV") == "test" || strings.Contains(os.Args[0], ".test") {
		SetLevel(WARN)
		return
	}

	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		SetLevel(DEBUG)
	case "INFO":
		SetLevel(INFO)
	case "WARN":
		SetLevel(WARN)
	case "ERROR":
		SetLevel(ERROR)
	default:
		SetLevel(INFO)
	}
}
