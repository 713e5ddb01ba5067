package room

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ChatLog is the append-only in-memory text buffer from spec §4.H. It is
// flushed to a timestamp-named file under dir on demand (the admin
// "savechatlog" command) and on graceful shutdown.
type ChatLog struct {
	dir    string
	buffer strings.Builder
}

// NewChatLog creates a ChatLog that flushes under dir.
func NewChatLog(dir string) *ChatLog {
	return &ChatLog{dir: dir}
}

// Append adds one logged line, timestamped, to the buffer. Callers pass
// plain content - Append adds the "[<timestamp>] " prefix and trailing
// newline per spec §4.H.
func (c *ChatLog) Append(content string) {
	fmt.Fprintf(&c.buffer, "[%s] %s\n", time.Now().Format(time.RFC3339), content)
}

// Flush writes the buffer to a new file named by the current timestamp
// under dir, then empties the buffer. No-op (but still returns nil) if the
// buffer is empty, since there is nothing worth a zero-byte file for.
func (c *ChatLog) Flush() error {
	if c.buffer.Len() == 0 {
		return nil
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("chatlog: create dir %s: %w", c.dir, err)
	}

	name := fmt.Sprintf("%d.txt", time.Now().UnixNano())
	path := filepath.Join(c.dir, name)
	if err := os.WriteFile(path, []byte(c.buffer.String()), 0o644); err != nil {
		return fmt.Errorf("chatlog: write %s: %w", path, err)
	}

	c.buffer.Reset()
	return nil
}
