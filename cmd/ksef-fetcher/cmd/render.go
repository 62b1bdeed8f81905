package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/ksef-fetcher/internal/render"
)

var (
	renderXSLTDir  string
	renderPDFDir   string
	renderFontsDir string
	renderTimeout  time.Duration
)

var renderCmd = &cobra.Command{
	Use:   "render [files...]",
	Short: "Render invoice documents to PDF",
	Long: `Render invoice XML documents to PDF.

The stylesheet is chosen by the document's root namespace:
  http://crd.gov.pl/wzor/2025/06/25/13775/  kseffaktura_fa(3).xsl
  http://crd.gov.pl/wzor/2023/06/29/12648/  kseffaktura.xsl

Requires xsltproc and weasyprint on PATH. Without arguments every document in
the invoice directory is rendered.

Examples:
  ksef-fetcher render
  ksef-fetcher render faktury/1111-AAAA.xml --pdf-dir out
  ksef-fetcher render --fonts-dir fonts -f table`,
	RunE: runRender,
}

func init() {
	rootCmd.AddCommand(renderCmd)

	renderCmd.Flags().StringVar(&renderXSLTDir, "xslt-dir", "", "Stylesheet directory (env: KSEF_XSLT_DIR)")
	renderCmd.Flags().StringVar(&renderPDFDir, "pdf-dir", "", "PDF output directory (env: KSEF_PDF_DIR)")
	renderCmd.Flags().StringVar(&renderFontsDir, "fonts-dir", "", "Local fonts directory (env: KSEF_FONTS_DIR)")
	renderCmd.Flags().DurationVar(&renderTimeout, "timeout", time.Minute, "Timeout per external tool call")
}

func runRender(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	override(&cfg.XSLTDir, renderXSLTDir)
	override(&cfg.PDFDir, renderPDFDir)
	override(&cfg.FontsDir, renderFontsDir)

	f, _, err := newFetcher(cfg)
	if err != nil {
		return err
	}
	r := f.Renderer(render.WithTimeout(renderTimeout))

	ctx := cmd.Context()
	var results []render.Result
	if len(args) == 0 {
		printVerbose("Rendering documents in %s\n", f.Documents().Root())
		results, err = f.RenderAll(ctx, r)
	} else {
		files, ferr := collectFiles(args)
		if ferr != nil {
			return ferr
		}
		for _, file := range files {
			res := render.Result{Source: file}
			out, rerr := r.Render(ctx, file)
			if rerr != nil {
				res.Error = rerr.Error()
			}
			res.Output = out
			results = append(results, res)
			if rerr != nil && err == nil {
				err = rerr
			}
		}
	}

	w, closeOut, oerr := openOutput()
	if oerr != nil {
		return oerr
	}
	defer closeOut()

	if werr := writeRenderResults(w, results); werr != nil {
		return werr
	}
	return err
}

func writeRenderResults(w io.Writer, results []render.Result) error {
	if results == nil {
		results = []render.Result{}
	}
	if outputFormat == "json" {
		return writeJSON(w, results)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tOUTPUT")
	for _, r := range results {
		if r.Error != "" {
			fmt.Fprintf(tw, "%s\tERROR: %s\n", r.Source, r.Error)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\n", r.Source, r.Output)
	}
	return tw.Flush()
}
