package dispatch

import (
	"fmt"
	"strings"

	"github.com/kalambet/taskmem/internal/storage"
)

const progressCells = 10

var typePrefix = map[string]string{
	storage.MessageProgress:     "⏳",
	storage.MessageResult:       "✅",
	storage.MessageError:        "❌",
	storage.MessageNotification: "ℹ️",
}

// Decorate prefixes content with the emoji of its message type. Content
// that already starts with the prefix is returned unchanged.
func Decorate(msgType, content string) string {
	prefix, ok := typePrefix[msgType]
	if !ok || strings.HasPrefix(content, prefix) {
		return content
	}
	return prefix + " " + content
}

// ProgressBar renders percent (0-100) as a 10-cell bar like [█████░░░░░].
func ProgressBar(percent float64) string {
	percent = max(0, min(100, percent))
	filled := int(progressCells * percent / 100)
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", progressCells-filled) + "]"
}

// FormatProgress renders step of total with a bar, the percentage and an
// optional label: "[█████░░░░░] 50%\nopening profile".
func FormatProgress(step, total int, label string) string {
	var percent float64
	if total > 0 {
		percent = 100 * float64(step) / float64(total)
	}
	out := fmt.Sprintf("%s %.0f%%", ProgressBar(percent), max(0, min(100, percent)))
	if label != "" {
		out += "\n" + label
	}
	return out
}

// FormatResult renders the final message of a task.
func FormatResult(success bool, taskID int64, text string) string {
	status := "Task Completed"
	if !success {
		status = "Task Failed"
	}
	out := fmt.Sprintf("%s (task %d)", status, taskID)
	if text != "" {
		out += "\n\n" + text
	}
	return out
}

// splitMessage cuts content into chunks of at most limit bytes, preferring
// line breaks and never splitting a UTF-8 sequence.
func splitMessage(content string, limit int) []string {
	if len(content) <= limit {
		return []string{content}
	}
	var chunks []string
	for len(content) > limit {
		cut := strings.LastIndex(content[:limit], "\n")
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8Start(content[cut]) {
				cut--
			}
		}
		chunks = append(chunks, content[:cut])
		content = strings.TrimPrefix(content[cut:], "\n")
	}
	if content != "" {
		chunks = append(chunks, content)
	}
	return chunks
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
