package knowledge

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// frontMatter is the optional YAML header of a knowledge file.
type frontMatter struct {
	Title string         `yaml:"title"`
	Tags  map[string]any `yaml:"tags"`
	Rest  map[string]any `yaml:",inline"`
}

// parseFrontMatter splits a markdown file into its title, tags and body.
// Scalar top-level keys and entries of a "tags" map both become tags.
func parseFrontMatter(content string) (title string, tags map[string]string, body string, err error) {
	tags = map[string]string{}
	content = strings.TrimPrefix(content, "\ufeff")

	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return "", tags, content, nil
	}
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end < 0 {
		return "", tags, content, fmt.Errorf("unterminated front matter")
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &fm); err != nil {
		return "", tags, content, fmt.Errorf("parse front matter: %w", err)
	}
	for k, v := range fm.Rest {
		if s, ok := scalar(v); ok {
			tags[strings.ToLower(k)] = s
		}
	}
	for k, v := range fm.Tags {
		if s, ok := scalar(v); ok {
			tags[strings.ToLower(k)] = s
		}
	}
	return strings.TrimSpace(fm.Title), tags, strings.Join(lines[end+1:], "\n"), nil
}

func scalar(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool, int, int64, float64:
		return fmt.Sprint(x), true
	default:
		return "", false
	}
}
