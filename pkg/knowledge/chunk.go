package knowledge

import (
	"strings"
	"unicode/utf8"
)

const (
	chunkMin     = 300
	chunkMax     = 1000
	chunkOverlap = 80
)

// splitChunks cuts body into line-aligned chunks of at most chunkMax bytes,
// each starting with the tail of the previous one. A short trailing chunk is
// merged into its predecessor.
func splitChunks(body string) []string {
	var (
		chunks  []string
		current strings.Builder
		carried int
	)
	for _, line := range strings.Split(body, "\n") {
		if current.Len() > carried && current.Len()+len(line)+1 > chunkMax {
			text := current.String()
			chunks = append(chunks, strings.TrimSpace(text))
			current.Reset()
			carried = 0
			if len(text) > chunkOverlap {
				start := len(text) - chunkOverlap
				for start < len(text) && !utf8.RuneStart(text[start]) {
					start++
				}
				current.WriteString(text[start:])
				carried = len(text) - start
			}
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}

	fresh := strings.TrimSpace(current.String()[carried:])
	switch {
	case fresh == "":
	case len(chunks) == 0:
		chunks = append(chunks, fresh)
	case len(fresh) >= chunkMin:
		chunks = append(chunks, strings.TrimSpace(current.String()))
	default:
		chunks[len(chunks)-1] += "\n" + fresh
	}
	return chunks
}
