package chat

import (
	"strings"

	"github.com/stupiduntilnot/sidechat/internal/page"
)

// Quote turns a page selection into a quoted block to prefix a message with.
// Markup is stripped and entities decoded.
func Quote(selection string) string {
	var lines []string
	blank := false
	for _, line := range strings.Split(page.SelectionText(selection), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			blank = len(lines) > 0
			continue
		}
		if blank {
			lines = append(lines, ">")
			blank = false
		}
		lines = append(lines, "> "+line)
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n\n"
}
