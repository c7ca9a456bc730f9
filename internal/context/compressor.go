package context

// SimpleCompressor keeps only the last MaxMessages entries.
type SimpleCompressor struct {
	MaxMessages int
}

// Compress returns a copy of the most recent MaxMessages entries, oldest
// first. A non-positive MaxMessages keeps nothing.
func (c *SimpleCompressor) Compress(messages []string) []string {
	start := 0
	if c.MaxMessages <= 0 {
		start = len(messages)
	} else if len(messages) > c.MaxMessages {
		start = len(messages) - c.MaxMessages
	}
	out := make([]string, len(messages)-start)
	copy(out, messages[start:])
	return out
}
