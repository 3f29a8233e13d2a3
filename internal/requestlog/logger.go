// Package requestlog emits one structured line per handled query.
package requestlog

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Entry represents a single DNS request log entry.
type Entry struct {
	Timestamp  string  `json:"timestamp"`
	ClientIP   string  `json:"client_ip"`
	Transport  string  `json:"transport"`
	QName      string  `json:"qname"`
	QType      string  `json:"qtype"`
	Outcome    string  `json:"outcome"`
	RCode      string  `json:"rcode"`
	DurationMS float64 `json:"duration_ms"`
}

// Writer writes request log entries in text or JSON format.
type Writer interface {
	Write(entry Entry)
}

type textWriter struct {
	mu     sync.Mutex
	writer io.Writer
}

type jsonWriter struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewWriter creates a Writer that formats entries as text or JSON.
// format must be "text" or "json".
func NewWriter(w io.Writer, format string) Writer {
	if format == "json" {
		return &jsonWriter{writer: w}
	}
	return &textWriter{writer: w}
}

func (t *textWriter) Write(entry Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	line := fmt.Sprintf("%s client=%s transport=%s qname=%s qtype=%s outcome=%s rcode=%s duration_ms=%.2f\n",
		entry.Timestamp, entry.ClientIP, entry.Transport, entry.QName, entry.QType,
		entry.Outcome, entry.RCode, entry.DurationMS)
	_, _ = t.writer.Write([]byte(line))
}

func (j *jsonWriter) Write(entry Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = j.writer.Write(data)
}

// FormatTimestamp returns a timestamp string for log entries.
func FormatTimestamp(t time.Time) string {
	return t.Format("2006-01-02T15:04:05.000Z07:00")
}
