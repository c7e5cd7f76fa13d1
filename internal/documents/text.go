package documents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/textract"
	ttypes "github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/aws/smithy-go"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/mkoziy/radiant/pipeline/internal/metrics"
)

// OCR is the subset of the Textract client used for scanned documents.
type OCR interface {
	DetectDocumentText(ctx context.Context, params *textract.DetectDocumentTextInput, optFns ...func(*textract.Options)) (*textract.DetectDocumentTextOutput, error)
}

// Handling names how a content type is turned into text.
type Handling string

const (
	HandlePlain       Handling = "plain"
	HandleHTML        Handling = "html"
	HandleRTF         Handling = "rtf"
	HandleOCR         Handling = "ocr"
	HandleUnsupported Handling = "unsupported"
)

// Classify maps a MIME type to its text handling.
func Classify(contentType string) Handling {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}

	switch mediaType {
	case "text/plain", "":
		return HandlePlain
	case "text/html", "application/xhtml+xml", "text/xml", "application/xml":
		return HandleHTML
	case "text/rtf", "application/rtf":
		return HandleRTF
	case "application/pdf", "image/tiff", "image/png", "image/jpeg":
		return HandleOCR
	}
	return HandleUnsupported
}

// Text extracts readable text from a Binary.
func (s *Store) Text(ctx context.Context, bin *Binary) (string, error) {
	handling := Classify(bin.ContentType)
	if handling == HandlePlain && looksLikeHTML(bin.Data) {
		handling = HandleHTML
	}
	metrics.RecordDocumentFetch(string(handling))

	switch handling {
	case HandlePlain:
		return normalizeSpace(string(bin.Data)), nil
	case HandleHTML:
		return HTMLText(bytes.NewReader(bin.Data))
	case HandleRTF:
		return RTFText(string(bin.Data)), nil
	case HandleOCR:
		if s.ocr == nil {
			return "", fmt.Errorf("%w: %s needs OCR, none configured", ErrUnsupportedContent, bin.ContentType)
		}
		return s.detectText(ctx, bin)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedContent, bin.ContentType)
	}
}

func (s *Store) detectText(ctx context.Context, bin *Binary) (string, error) {
	out, err := s.ocr.DetectDocumentText(ctx, &textract.DetectDocumentTextInput{
		Document: &ttypes.Document{Bytes: bin.Data},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "UnsupportedDocumentException" {
			return "", fmt.Errorf("%w: textract %s: %s rejected by synchronous OCR, multi-page documents need asynchronous Textract (%s)",
				ErrUnsupportedContent, bin.ID, bin.ContentType, apiErr.ErrorMessage())
		}
		return "", fmt.Errorf("textract %s: %w", bin.ID, err)
	}

	lines := make([]string, 0, len(out.Blocks))
	for _, b := range out.Blocks {
		if b.BlockType == ttypes.BlockTypeLine && b.Text != nil {
			lines = append(lines, *b.Text)
		}
	}
	s.logger.Debug().Str("binary_id", bin.ID).Int("lines", len(lines)).Msg("ocr complete")
	return strings.Join(lines, "\n"), nil
}

var blockAtoms = map[atom.Atom]bool{
	atom.P: true, atom.Br: true, atom.Div: true, atom.Tr: true, atom.Li: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Table: true, atom.Ul: true, atom.Ol: true, atom.Section: true, atom.Pre: true,
}

// HTMLText returns the visible text of an HTML document with block
// elements on their own lines.
func HTMLText(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var b strings.Builder
	skip := 0

	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", fmt.Errorf("parse html: %w", err)
			}
			return normalizeSpace(b.String()), nil
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if a == atom.Script || a == atom.Style || a == atom.Head {
				skip++
			}
			if blockAtoms[a] {
				b.WriteByte('\n')
			}
			if a == atom.Td || a == atom.Th {
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if (a == atom.Script || a == atom.Style || a == atom.Head) && skip > 0 {
				skip--
			}
			if blockAtoms[a] {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

var (
	rtfControl = regexp.MustCompile(`\\[a-zA-Z]+-?\d* ?`)
	rtfHex     = regexp.MustCompile(`\\'[0-9a-fA-F]{2}`)
	rtfBreak   = regexp.MustCompile(`\\(par|line)\b ?`)
	rtfTab     = regexp.MustCompile(`\\tab\b ?`)
	rtfGroups  = regexp.MustCompile(`\{\\\*[^{}]*\}|\{\\(fonttbl|colortbl|stylesheet|info)[^{}]*(\{[^{}]*\}[^{}]*)*\}`)
)

// RTFText strips RTF markup, keeping paragraph breaks.
func RTFText(src string) string {
	src = rtfGroups.ReplaceAllString(src, "")
	src = rtfBreak.ReplaceAllString(src, "\n")
	src = rtfTab.ReplaceAllString(src, " ")
	src = rtfHex.ReplaceAllString(src, "")
	src = rtfControl.ReplaceAllString(src, "")
	src = strings.NewReplacer("{", "", "}", "", `\\`, `\`).Replace(src)
	return normalizeSpace(src)
}

func looksLikeHTML(data []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(data))
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html")) || bytes.Contains(head, []byte("<div"))
}

// normalizeSpace collapses runs of spaces within lines and drops blank
// lines.
func normalizeSpace(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := lines[:0]
	for _, l := range lines {
		if f := strings.Fields(l); len(f) > 0 {
			out = append(out, strings.Join(f, " "))
		}
	}
	return strings.Join(out, "\n")
}
