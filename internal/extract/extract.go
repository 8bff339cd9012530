// Package extract turns uploaded files into plain text for chunking.
package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-shiori/go-readability"
)

// Supported upload types. PDF extraction is intentionally out of scope;
// PDFs are accepted for storage but report extraction as unsupported.
const (
	TypeTXT      = "txt"
	TypeMarkdown = "md"
	TypeHTML     = "html"
	TypePDF      = "pdf"
)

// ErrUnsupportedType wraps the file type that no extractor handles.
type ErrUnsupportedType struct {
	FileType string
}

func (e *ErrUnsupportedType) Error() string {
	return fmt.Sprintf("extract: unsupported file type %q", e.FileType)
}

// TypeFromFilename maps a filename extension to a supported type, or "".
func TypeFromFilename(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 || idx == len(name)-1 {
		return ""
	}
	switch strings.ToLower(name[idx+1:]) {
	case "txt":
		return TypeTXT
	case "md", "markdown":
		return TypeMarkdown
	case "html", "htm":
		return TypeHTML
	case "pdf":
		return TypePDF
	}
	return ""
}

// Text extracts plain text from raw file content. Plain text and markdown
// pass through unchanged; HTML goes through readability to strip boilerplate
// and keep the main content.
func Text(fileType string, content []byte) (string, error) {
	switch fileType {
	case TypeTXT, TypeMarkdown:
		return string(content), nil
	case TypeHTML:
		article, err := readability.FromReader(strings.NewReader(string(content)), &url.URL{})
		if err != nil {
			return "", fmt.Errorf("extract: parse html: %w", err)
		}
		return strings.TrimSpace(article.TextContent), nil
	default:
		return "", &ErrUnsupportedType{FileType: fileType}
	}
}
