// Package render turns invoice XML documents into PDF files: an XSLT stylesheet
// chosen by schema namespace produces HTML, which is printed to PDF.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/rezonia/ksef-fetcher/internal/model"
)

// Renderer renders one invoice document and returns the output path
type Renderer interface {
	Render(ctx context.Context, xmlPath string) (string, error)
}

// Tools
const (
	ToolXSLTProc   = "xsltproc"
	ToolWeasyPrint = "weasyprint"
)

// ExecRenderer shells out to xsltproc and weasyprint and validates the result with pdfcpu
type ExecRenderer struct {
	xsltDir   string
	outputDir string
	fontsDir  string
	xsltproc  string
	weasy     string
	timeout   time.Duration
	logger    *slog.Logger
}

// Option configures the renderer
type Option func(*ExecRenderer)

// WithFontsDir embeds local fonts instead of remote web fonts
func WithFontsDir(dir string) Option {
	return func(r *ExecRenderer) {
		r.fontsDir = dir
	}
}

// WithTimeout bounds each external tool invocation
func WithTimeout(d time.Duration) Option {
	return func(r *ExecRenderer) {
		r.timeout = d
	}
}

// WithToolPaths overrides tool detection
func WithToolPaths(xsltproc, weasyprint string) Option {
	return func(r *ExecRenderer) {
		r.xsltproc = xsltproc
		r.weasy = weasyprint
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *ExecRenderer) {
		r.logger = l
	}
}

var disableConfigDir sync.Once

// NewExecRenderer creates a renderer that reads stylesheets from xsltDir and writes into outputDir
func NewExecRenderer(xsltDir, outputDir string, opts ...Option) *ExecRenderer {
	disableConfigDir.Do(api.DisableConfigDir)

	r := &ExecRenderer{
		xsltDir:   xsltDir,
		outputDir: outputDir,
		xsltproc:  detectTool(ToolXSLTProc),
		weasy:     detectTool(ToolWeasyPrint),
		timeout:   60 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Available reports which external tools were found
func (r *ExecRenderer) Available() map[string]bool {
	return map[string]bool{
		ToolXSLTProc:   r.xsltproc != "",
		ToolWeasyPrint: r.weasy != "",
	}
}

// SelectTemplate returns the stylesheet for a namespace
func (r *ExecRenderer) SelectTemplate(namespace string) (string, error) {
	name, ok := Templates[namespace]
	if !ok {
		return "", fmt.Errorf("unknown invoice namespace %q", namespace)
	}
	path := filepath.Join(r.xsltDir, name)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("stylesheet not found: %s", path)
		}
		return "", err
	}
	return path, nil
}

// Render produces <outputDir>/<base name>.pdf from one invoice document
func (r *ExecRenderer) Render(ctx context.Context, xmlPath string) (string, error) {
	if r.xsltproc == "" {
		return "", model.ErrToolUnavailable(ToolXSLTProc)
	}
	if r.weasy == "" {
		return "", model.ErrToolUnavailable(ToolWeasyPrint)
	}

	data, err := os.ReadFile(xmlPath)
	if err != nil {
		return "", err
	}
	ns, err := DetectNamespace(data)
	if err != nil {
		return "", err
	}
	xslt, err := r.SelectTemplate(ns)
	if err != nil {
		return "", err
	}

	html, err := r.run(ctx, r.xsltproc, xslt, xmlPath)
	if err != nil {
		return "", fmt.Errorf("xslt transform: %w", err)
	}
	html = InjectFonts(html, r.fontsDir)

	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp("", "invoice-*.html")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(html); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	tmp.Close()

	base := strings.TrimSuffix(filepath.Base(xmlPath), filepath.Ext(xmlPath))
	out := filepath.Join(r.outputDir, base+".pdf")
	if _, err := r.run(ctx, r.weasy, tmp.Name(), out); err != nil {
		return "", fmt.Errorf("pdf rendering: %w", err)
	}

	if err := api.ValidateFile(out, nil); err != nil {
		return "", fmt.Errorf("rendered pdf is invalid: %w", err)
	}
	if pages, err := api.PageCountFile(out); err == nil {
		r.logger.DebugContext(ctx, "invoice rendered", "source", xmlPath, "output", out, "pages", pages)
	}
	return out, nil
}

func (r *ExecRenderer) run(ctx context.Context, tool string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, tool, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w, stderr: %s", filepath.Base(tool), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Result is the outcome of rendering one file
type Result struct {
	Source string `json:"source"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RenderDir renders every .xml file in dir. One failing document does not stop the rest.
func RenderDir(ctx context.Context, r Renderer, dir string) ([]Result, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.xml"))
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(matches))
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := Result{Source: path}
		out, err := r.Render(ctx, path)
		if err != nil {
			res.Error = err.Error()
			if model.HasCode(err, model.ErrCodeToolUnavailable) {
				return append(results, res), err
			}
		}
		res.Output = out
		results = append(results, res)
	}
	return results, nil
}

var googleFonts = regexp.MustCompile(`(?i)<link[^>]+href="https://fonts\.googleapis\.com/css[^"]*"[^>]*/?\s*>`)

type font struct {
	family string
	weight int
	file   string
}

var localFonts = []font{
	{"Open Sans", 400, "OpenSans-Regular.ttf"},
	{"Open Sans", 600, "OpenSans-SemiBold.ttf"},
	{"Open Sans", 700, "OpenSans-Bold.ttf"},
	{"Montserrat", 600, "Montserrat-SemiBold.ttf"},
	{"Montserrat", 700, "Montserrat-Bold.ttf"},
}

// InjectFonts drops remote font links and declares the fonts found in fontsDir
func InjectFonts(html []byte, fontsDir string) []byte {
	html = googleFonts.ReplaceAll(html, nil)
	if fontsDir == "" {
		return html
	}

	var css strings.Builder
	for _, f := range localFonts {
		path, err := filepath.Abs(filepath.Join(fontsDir, f.file))
		if err != nil {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		fmt.Fprintf(&css, "@font-face {\n  font-family: '%s';\n  font-style: normal;\n  font-weight: %d;\n  src: url('file://%s') format('truetype');\n}\n", f.family, f.weight, path)
	}
	if css.Len() == 0 {
		return html
	}

	style := []byte("<head>\n<style type=\"text/css\">\n" + css.String() + "</style>")
	return bytes.Replace(html, []byte("<head>"), style, 1)
}

// detectTool looks for a tool in PATH and common install locations
func detectTool(name string) string {
	paths := []string{
		name,
		"/usr/bin/" + name,
		"/usr/local/bin/" + name,
		"/opt/homebrew/bin/" + name,
	}
	for _, p := range paths {
		if path, err := exec.LookPath(p); err == nil {
			return path
		}
	}
	return ""
}
