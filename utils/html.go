package utils

import (
	"strings"

	"github.com/k3a/html2text"
)

// PreviewText flattens an HTML body to a single line of plain text.
func PreviewText(body string) string {
	if body == "" {
		return ""
	}
	text := html2text.HTML2Text(body)
	return strings.Join(strings.Fields(text), " ")
}
