package summary

import (
	"strings"

	"github.com/bernard/ledger/pkg/message"
)

var explicitKeywords = []string{
	"nsfw",
	"porn",
	"explicit sex",
	"nude",
	"nudity",
	"erotic",
}

var forbiddenKeywords = []string{
	"make a bomb",
	"build a bomb",
	"kill myself",
	"suicide",
	"child abuse",
	"synthesize meth",
}

// DetectFlags lower-cases the transcript and checks it against fixed
// keyword sets. It never calls out to the network.
func DetectFlags(records []message.Record) Flags {
	var sb strings.Builder
	for _, r := range records {
		sb.WriteString(strings.ToLower(r.Text()))
		sb.WriteByte('\n')
	}
	text := sb.String()
	return Flags{
		Explicit:  containsAny(text, explicitKeywords),
		Forbidden: containsAny(text, forbiddenKeywords),
	}
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
