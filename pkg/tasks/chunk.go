package tasks

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bernard/ledger/pkg/message"
)

// Chunking defaults.
const (
	DefaultMessageLimit = 240
	DefaultChunkChars   = 1800
	DefaultMaxChunks    = 12
)

// ChunkOptions bound transcript chunking. Lengths are in characters.
type ChunkOptions struct {
	MessageLimit int
	ChunkChars   int
	MaxChunks    int
}

func (o ChunkOptions) withDefaults() ChunkOptions {
	if o.MessageLimit <= 0 {
		o.MessageLimit = DefaultMessageLimit
	}
	if o.ChunkChars <= 0 {
		o.ChunkChars = DefaultChunkChars
	}
	if o.MaxChunks <= 0 {
		o.MaxChunks = DefaultMaxChunks
	}
	return o
}

// ChunkID returns the id of the i-th chunk of a conversation.
func ChunkID(conversationID string, i int) string {
	return fmt.Sprintf("%s:chunk:%d", conversationID, i)
}

// RenderLines renders the most recent MessageLimit non-trace records as
// "[role] content" lines, each cut to ChunkChars. Records without text are
// skipped.
func RenderLines(records []message.Record, opts ChunkOptions) []string {
	opts = opts.withDefaults()
	records = message.Filter(records)
	if len(records) > opts.MessageLimit {
		records = records[len(records)-opts.MessageLimit:]
	}

	lines := make([]string, 0, len(records))
	for _, r := range records {
		text := strings.TrimSpace(r.Text())
		if text == "" {
			continue
		}
		lines = append(lines, truncateRunes("["+string(r.Role)+"] "+text, opts.ChunkChars))
	}
	return lines
}

// Pack greedily joins lines with newlines into chunks of at most limit
// characters. A line starts a new chunk when it does not fit the current
// one, and a chunk that reaches the limit is closed.
func Pack(lines []string, limit int) []string {
	var (
		chunks []string
		cur    strings.Builder
		curLen int
	)
	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, line := range lines {
		n := utf8.RuneCountInString(line)
		if curLen > 0 && curLen+1+n > limit {
			flush()
		}
		if curLen > 0 {
			cur.WriteByte('\n')
			curLen++
		}
		cur.WriteString(line)
		curLen += n
		if curLen >= limit {
			flush()
		}
	}
	flush()
	return chunks
}

// Chunk renders and packs a transcript, keeping only the last MaxChunks
// chunks.
func Chunk(records []message.Record, opts ChunkOptions) []string {
	opts = opts.withDefaults()
	chunks := Pack(RenderLines(records, opts), opts.ChunkChars)
	if len(chunks) > opts.MaxChunks {
		chunks = chunks[len(chunks)-opts.MaxChunks:]
	}
	return chunks
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
