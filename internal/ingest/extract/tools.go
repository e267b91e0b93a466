package extract

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	errors "github.com/Laisky/errors/v2"

	"github.com/Laisky/docingest/internal/ingest/layout"
)

// maxStderrBytes bounds how much tool stderr is kept in errors.
const maxStderrBytes = 512

// runTool executes a command with stdin and returns its stdout.
// A non-zero exit is reported with the tail of stderr.
func runTool(ctx context.Context, path string, stdin []byte, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderrBytes {
			msg = msg[len(msg)-maxStderrBytes:]
		}
		return nil, errors.Wrapf(err, "run %s: %s", filepath.Base(path), msg)
	}

	return stdout.Bytes(), nil
}

// Pdftotext reads the text layer with poppler's pdftotext in layout mode.
type Pdftotext struct {
	Path string
}

// ExtractPages runs `pdftotext -layout - -` and splits its output on form feeds.
func (p Pdftotext) ExtractPages(ctx context.Context, pdf []byte) ([]string, error) {
	out, err := runTool(ctx, toolPath(p.Path, "pdftotext"), pdf, "", "-layout", "-enc", "UTF-8", "-", "-")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return strings.Split(strings.ToValidUTF8(string(out), "�"), "\f"), nil
}

// Pdfimages writes embedded images with poppler's pdfimages.
type Pdfimages struct {
	Path string
}

// RenderImages runs `pdfimages -p -png - img` inside dir. Output files are named
// img-<page>-<seq>.png with a one-based page number.
func (p Pdfimages) RenderImages(ctx context.Context, pdf []byte, dir string) ([]RenderedImage, error) {
	if _, err := runTool(ctx, toolPath(p.Path, "pdfimages"), pdf, dir, "-p", "-png", "-", "img"); err != nil {
		return nil, errors.WithStack(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "list rendered images")
	}

	images := make([]RenderedImage, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		page, seq, ok := parseImageName(entry.Name())
		if !ok {
			continue
		}
		images = append(images, RenderedImage{
			Path: filepath.Join(dir, entry.Name()),
			Page: page,
			Seq:  seq,
		})
	}

	sortImages(images)
	return images, nil
}

// parseImageName extracts the zero-based page index and sequence from
// names like "img-003-012.png".
func parseImageName(name string) (page, seq int, ok bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	parts := strings.Split(base, "-")
	if len(parts) < 3 {
		return 0, 0, false
	}

	pageNum, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil || pageNum < 1 {
		return 0, 0, false
	}
	seq, err = strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0, 0, false
	}

	return pageNum - 1, seq, true
}

// sortImages orders images by page, then by sequence within the page.
func sortImages(images []RenderedImage) {
	sort.Slice(images, func(i, j int) bool {
		if images[i].Page != images[j].Page {
			return images[i].Page < images[j].Page
		}
		return images[i].Seq < images[j].Seq
	})
}

// Tesseract recognizes words with the tesseract CLI in TSV mode.
type Tesseract struct {
	Path     string
	Language string
	DPI      int
	Timeout  time.Duration
}

// Recognize runs `tesseract --dpi <dpi> -l <lang> - - tsv` on the image.
func (t Tesseract) Recognize(ctx context.Context, image []byte) ([]layout.Token, error) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	args := []string{}
	if t.DPI > 0 {
		args = append(args, "--dpi", strconv.Itoa(t.DPI))
	}
	if t.Language != "" {
		args = append(args, "-l", t.Language)
	}
	args = append(args, "-", "-", "tsv")

	out, err := runTool(ctx, toolPath(t.Path, "tesseract"), image, "", args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	tokens, err := layout.ParseTSV(strings.ToValidUTF8(string(out), ""))
	if err != nil {
		return nil, errors.Wrap(err, "parse tesseract tsv")
	}
	return tokens, nil
}

// toolPath returns configured, or def when configured is empty.
func toolPath(configured, def string) string {
	if strings.TrimSpace(configured) == "" {
		return def
	}
	return configured
}
