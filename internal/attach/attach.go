// Package attach converts platform file attachments into child content
// blocks: images become image blocks (downscaled when oversized), PDFs
// become document blocks, small text files are inlined, gzip files are
// expanded first, and everything else is elided with one user-visible note.
package attach

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"image/jpeg"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/clawdeck/internal/childproc"
	"github.com/nextlevelbuilder/clawdeck/internal/platform"
)

const (
	// maxImageDim is the longest edge the child accepts without waste;
	// larger images are downscaled.
	maxImageDim = 1568

	// maxInlineText bounds text files inlined verbatim.
	maxInlineText = 64 * 1024

	// maxGzipExpanded bounds decompressed gzip output.
	maxGzipExpanded = 4 * maxInlineText

	jpegQuality = 85
)

// imageMimes are image types passed through as image blocks.
var imageMimes = map[string]string{
	"image/jpeg": "image/jpeg",
	"image/png":  "image/png",
	"image/gif":  "image/gif",
	"image/webp": "image/webp",
}

// textExtensions are treated as text even when the platform reports a
// generic MIME type.
var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".go": true, ".py": true, ".js": true,
	".ts": true, ".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".sh": true, ".log": true, ".csv": true, ".xml": true, ".html": true,
	".css": true, ".sql": true, ".rs": true, ".c": true, ".h": true,
	".diff": true, ".patch": true,
}

// Result is the outcome of converting one batch of attachments.
type Result struct {
	Blocks []childproc.ContentBlock
	// Skipped lists files that could not be converted; posted back to the
	// user once.
	Skipped []string
}

// Convert turns downloaded files into content blocks.
func Convert(files []platform.File, contents map[string][]byte) *Result {
	res := &Result{}
	for _, f := range files {
		data, ok := contents[f.ID]
		if !ok {
			res.Skipped = append(res.Skipped, f.Name+" (download failed)")
			continue
		}
		if block, err := convertOne(f, data); err != nil {
			slog.Debug("attachment skipped", "name", f.Name, "mime", f.MimeType, "error", err)
			res.Skipped = append(res.Skipped, fmt.Sprintf("%s (%s)", f.Name, err))
		} else {
			res.Blocks = append(res.Blocks, *block)
		}
	}
	return res
}

func convertOne(f platform.File, data []byte) (*childproc.ContentBlock, error) {
	mime := strings.ToLower(f.MimeType)
	ext := strings.ToLower(f.Extension)
	if ext == "" {
		ext = strings.ToLower(filepath.Ext(f.Name))
	}

	if mediaType, ok := imageMimes[mime]; ok {
		return imageBlock(data, mediaType)
	}
	if mime == "application/pdf" || ext == ".pdf" {
		return &childproc.ContentBlock{
			Type: childproc.BlockDocument,
			Source: &childproc.BlockSource{
				Type:      "base64",
				MediaType: "application/pdf",
				Data:      base64.StdEncoding.EncodeToString(data),
			},
		}, nil
	}
	if ext == ".gz" {
		expanded, err := gunzip(data)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		inner := platform.File{Name: strings.TrimSuffix(f.Name, ".gz")}
		return textBlock(inner.Name, expanded)
	}
	if strings.HasPrefix(mime, "text/") || textExtensions[ext] {
		return textBlock(f.Name, data)
	}
	return nil, fmt.Errorf("unsupported type %s", orUnknown(mime))
}

func imageBlock(data []byte, mediaType string) (*childproc.ContentBlock, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxImageDim || bounds.Dy() > maxImageDim {
		img = imaging.Fit(img, maxImageDim, maxImageDim, imaging.Lanczos)
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, fmt.Errorf("re-encode image: %w", err)
		}
		data = buf.Bytes()
		mediaType = "image/jpeg"
	}

	return &childproc.ContentBlock{
		Type: childproc.BlockImage,
		Source: &childproc.BlockSource{
			Type:      "base64",
			MediaType: mediaType,
			Data:      base64.StdEncoding.EncodeToString(data),
		},
	}, nil
}

func textBlock(name string, data []byte) (*childproc.ContentBlock, error) {
	if len(data) > maxInlineText {
		return nil, fmt.Errorf("too large to inline (%d bytes)", len(data))
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("not valid utf-8")
	}
	text := fmt.Sprintf("Attached file %s:\n```\n%s\n```", name, strings.TrimRight(string(data), "\n"))
	return &childproc.ContentBlock{Type: childproc.BlockText, Text: text}, nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(io.LimitReader(zr, maxGzipExpanded))
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// SkippedNotice renders the one-time user-visible list of elided files.
func SkippedNotice(skipped []string) string {
	if len(skipped) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("⚠️ Some attachments could not be passed to the assistant:\n")
	for _, s := range skipped {
		sb.WriteString("• " + s + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
