// Package extract pulls plain text out of uploaded attachments so it can be
// appended to the model prompt.
package extract

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Extractor extracts plain text from attachment bytes.
type Extractor struct{}

// NewExtractor returns a new Extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Supported reports whether the extension (with leading dot) is a format the
// extractor understands. Unknown extensions are still accepted by Extract and
// treated as plain text.
func Supported(ext string) bool {
	switch strings.ToLower(ext) {
	case ".pdf", ".docx", ".xlsx", ".csv", ".rtf", ".txt", ".md":
		return true
	}
	return false
}

// Extract returns the text content of an attachment. filename is used only
// for its extension.
func (e *Extractor) Extract(filename string, content []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".pdf":
		return extractPDF(content)
	case ".docx":
		return extractDOCX(content)
	case ".xlsx":
		return extractExcel(content)
	case ".csv":
		return extractCSV(content)
	case ".rtf":
		return extractRTF(content)
	case ".txt", ".md", "":
		return extractPlain(content)
	default:
		// Unknown extension: treat as plain text.
		return extractPlain(content)
	}
}

// ExtractAll extracts every attachment and formats the results as one block
// suitable for appending to a prompt. Attachments that fail to parse are
// skipped with a note rather than failing the message.
func (e *Extractor) ExtractAll(files map[string][]byte, order []string) string {
	var sb strings.Builder
	for _, name := range order {
		content, ok := files[name]
		if !ok {
			continue
		}
		text, err := e.Extract(name, content)
		if err != nil {
			text = fmt.Sprintf("(could not read attachment: %v)", err)
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("--- attachment: ")
		sb.WriteString(name)
		sb.WriteString(" ---\n")
		sb.WriteString(strings.TrimSpace(text))
	}
	return sb.String()
}
