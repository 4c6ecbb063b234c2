// Package deploylog formats, parses and sanitises the append-only text log
// stored on each deployment record.
//
// One event per line:
//
//	[2025-01-02T15:04:05.000000Z] [INFO] [APPLYING] Provisioning cloud resources... - {"k":"v"}
package deploylog

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

type Level string

const (
	Info    Level = "INFO"
	Warning Level = "WARNING"
	Error   Level = "ERROR"
)

type Phase string

const (
	PhaseInitialization Phase = "initialization"
	PhaseValidating     Phase = "validating"
	PhasePlanning       Phase = "planning"
	PhaseApplying       Phase = "applying"
	PhaseFinalizing     Phase = "finalizing"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
	PhaseUnknown        Phase = "unknown"
)

// Marker is the bracketed tag a phase carries inside a log line.
func (p Phase) Marker() string {
	return "[" + strings.ToUpper(string(p)) + "]"
}

const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Format renders one log line, newline included. details may be nil.
func Format(at time.Time, level Level, phase Phase, msg string, details map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] %s %s", at.UTC().Format(timeLayout), level, phase.Marker(), msg)
	if len(details) > 0 {
		if raw, err := json.Marshal(details); err == nil {
			b.WriteString(" - ")
			b.Write(raw)
		}
	}
	b.WriteByte('\n')
	return b.String()
}

// Header renders a phase section header, preceded by a blank line.
func Header(at time.Time, phase Phase, n int, title string) string {
	return "\n" + Format(at, Info, phase, fmt.Sprintf("=== PHASE %d: %s ===", n, title), nil)
}

// Line is a parsed log line.
type Line struct {
	Timestamp string         `json:"timestamp,omitempty"`
	Level     string         `json:"level"`
	Phase     string         `json:"phase"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

var linePattern = regexp.MustCompile(`^\[([^\]]+)\]\s*\[([^\]]+)\](?:\s*\[([^\]]+)\])?\s*(.+?)(?:\s*-\s*(\{.+\}))?$`)

// Parse splits a log line into its parts. Lines that do not follow the
// format (stack traces, free text) come back as INFO messages in phase unknown.
func Parse(line string) Line {
	line = strings.TrimRight(line, "\r\n")
	m := linePattern.FindStringSubmatch(line)
	if m == nil {
		return Line{Level: string(Info), Phase: string(PhaseUnknown), Message: strings.TrimSpace(line)}
	}
	out := Line{
		Timestamp: m[1],
		Level:     m[2],
		Phase:     strings.ToLower(m[3]),
		Message:   m[4],
	}
	if out.Phase == "" {
		out.Phase = string(PhaseUnknown)
	}
	if m[5] != "" {
		var details map[string]any
		if err := json.Unmarshal([]byte(m[5]), &details); err == nil {
			out.Details = details
		} else {
			out.Message = m[4] + " - " + m[5]
		}
	}
	return out
}

// ParseAll parses every non-empty line of a blob.
func ParseAll(blob string) []Line {
	var out []Line
	for _, l := range strings.Split(blob, "\n") {
		if strings.TrimSpace(l) == "" {
			continue
		}
		out = append(out, Parse(l))
	}
	return out
}

// Since returns the complete lines written after byte offset and the offset
// to resume from. A trailing partial line is left for the next call.
func Since(blob string, offset int) ([]string, int) {
	if offset < 0 || offset > len(blob) {
		offset = 0
	}
	chunk := blob[offset:]
	end := strings.LastIndexByte(chunk, '\n')
	if end < 0 {
		return nil, offset
	}
	var lines []string
	for _, l := range strings.Split(chunk[:end], "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines, offset + end + 1
}

var (
	ansiPattern      = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)
	blankLinePattern = regexp.MustCompile(`\n\s*\n`)
	hspacePattern    = regexp.MustCompile(`[ \t]+`)
)

const boxDrawing = "│╵╷╭╮╰╯┌┐└┘├┤┬┴┼─"

// Strip removes terminal color sequences and box-drawing characters that
// IaC tools use to frame diagnostics, then collapses the leftover whitespace.
func Strip(text string) string {
	text = ansiPattern.ReplaceAllString(text, "")
	text = strings.Map(func(r rune) rune {
		if strings.ContainsRune(boxDrawing, r) {
			return -1
		}
		return r
	}, text)
	text = blankLinePattern.ReplaceAllString(text, "\n")
	text = hspacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// ContainsControl reports whether text still carries sequences Strip removes.
func ContainsControl(text string) bool {
	return ansiPattern.MatchString(text) || strings.ContainsAny(text, boxDrawing)
}
