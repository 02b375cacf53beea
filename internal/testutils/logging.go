package testutils

import "sync"

// TestingT is the minimal interface needed from testing.T
type TestingT interface {
	Errorf(format string, args ...any)
}

// FieldsToMap safely converts a slice of alternating key-value pairs to a map.
// Malformed entries are reported through t and skipped.
func FieldsToMap(t TestingT, fields []any) map[string]any {
	fieldsMap := make(map[string]any)

	for i := 0; i < len(fields); i += 2 {
		if i+1 >= len(fields) {
			t.Errorf("Malformed fields slice: missing value for key at index %d", i)
			continue
		}

		key, ok := fields[i].(string)
		if !ok {
			t.Errorf("Malformed fields slice: key at index %d is not a string, got %T", i, fields[i])
			continue
		}

		fieldsMap[key] = fields[i+1]
	}

	return fieldsMap
}

// LogRecord is one captured log call
type LogRecord struct {
	Level   string
	Message string
	Fields  []any
}

// CaptureLogger records log calls for assertions in tests
type CaptureLogger struct {
	mu      sync.Mutex
	records []LogRecord
}

// NewCaptureLogger creates a new capturing test logger
func NewCaptureLogger() *CaptureLogger {
	return &CaptureLogger{}
}

func (c *CaptureLogger) record(level, msg string, fields []any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, LogRecord{Level: level, Message: msg, Fields: fields})
}

func (c *CaptureLogger) Debug(msg string, fields ...any) { c.record("DEBUG", msg, fields) }
func (c *CaptureLogger) Info(msg string, fields ...any)  { c.record("INFO", msg, fields) }
func (c *CaptureLogger) Warn(msg string, fields ...any)  { c.record("WARN", msg, fields) }
func (c *CaptureLogger) Error(msg string, fields ...any) { c.record("ERROR", msg, fields) }

// Records returns a copy of all captured log calls
func (c *CaptureLogger) Records() []LogRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LogRecord, len(c.records))
	copy(out, c.records)
	return out
}

// CountLevel returns the number of records captured at the given level
func (c *CaptureLogger) CountLevel(level string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, r := range c.records {
		if r.Level == level {
			count++
		}
	}
	return count
}
