package plan

import (
	"regexp"
	"strings"
)

var (
	numberedMarker = regexp.MustCompile(`^\s*(?:\d+[\.\)]\s*|[Ss]tep\s+\d+[:\.]\s*)`)
	bulletMarker   = regexp.MustCompile(`^\s*[-*]\s+`)
)

// ParseLinear parses a textual ordered plan into subtasks. Numbered lines
// ("1. ...", "Step 2: ...") become subtasks; detail bullets under a numbered
// item fill in its info. A plan written purely as bullets treats each bullet
// as a subtask. This is the degraded path when graph translation fails, so
// it never errors; unusable text yields an empty list.
func ParseLinear(text string) []Subtask {
	var subtasks []Subtask
	lastNumbered := -1

	for _, line := range strings.Split(text, "\n") {
		if marker := numberedMarker.FindString(line); marker != "" {
			content := strings.TrimSpace(line[len(marker):])
			if content == "" {
				continue
			}
			subtasks = append(subtasks, splitNameInfo(content))
			lastNumbered = len(subtasks) - 1
			continue
		}
		if marker := bulletMarker.FindString(line); marker != "" {
			content := strings.TrimSpace(line[len(marker):])
			if content == "" {
				continue
			}
			if lastNumbered >= 0 {
				attachInfo(&subtasks[lastNumbered], content)
				continue
			}
			subtasks = append(subtasks, splitNameInfo(content))
		}
	}

	for i := range subtasks {
		if subtasks[i].Info == "" {
			subtasks[i].Info = subtasks[i].Name
		}
	}
	return subtasks
}

func splitNameInfo(content string) Subtask {
	name, info := content, ""
	if idx := strings.Index(content, ":"); idx > 0 {
		name = strings.TrimSpace(content[:idx])
		info = strings.TrimSpace(content[idx+1:])
	}
	name = strings.Trim(name, "*_` ")
	if name == "" {
		name = shortName(strings.Trim(content, "*_` "))
	} else {
		name = shortName(name)
	}
	return Subtask{Name: name, Info: info}
}

func attachInfo(s *Subtask, detail string) {
	if s.Info == "" {
		s.Info = detail
		return
	}
	s.Info += "; " + detail
}

// shortName truncates long step text to a compact identifier.
func shortName(content string) string {
	words := strings.Fields(content)
	if len(words) <= 8 {
		return content
	}
	return strings.Join(words[:8], " ")
}
