package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rezonia/ksef-fetcher/internal/processor"
	"github.com/rezonia/ksef-fetcher/internal/render"
	"github.com/rezonia/ksef-fetcher/internal/state"
)

var infoCmd = &cobra.Command{
	Use:   "info [files...]",
	Short: "Show configuration or information about invoice files",
	Long: `Without arguments, show the resolved configuration: platform URL, directories,
available rendering tools and stored continuation points.

With files, show for each invoice document:
  - Platform identifier (KSeF number, from the file name)
  - Root namespace and schema form, FA(2) or FA(3)
  - Invoice number, issue date, seller and gross amount

Examples:
  ksef-fetcher info
  ksef-fetcher info faktury/
  ksef-fetcher info faktury/1111-AAAA.xml`,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return printEnvironment()
	}

	files, err := collectFiles(args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files found")
	}

	for _, file := range files {
		printFileInfo(file)
		fmt.Println()
	}
	return nil
}

func printEnvironment() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f, _, err := newFetcher(cfg)
	if err != nil {
		return err
	}

	fmt.Printf("Environment:   %s\n", cfg.Environment)
	fmt.Printf("Platform URL:  %s\n", f.BaseURL())
	fmt.Printf("Context:       %s %s\n", cfg.ContextType, cfg.ContextValue)
	fmt.Printf("Token:         %s\n", presence(cfg.Token))
	fmt.Printf("Roles:         %v\n", cfg.Roles)
	fmt.Printf("Invoice dir:   %s\n", cfg.InvoiceDir)
	fmt.Printf("State:         %s (%s)\n", cfg.StateFile, cfg.StateBackend)

	fmt.Println("Rendering tools:")
	available := f.Renderer().Available()
	for _, tool := range []string{render.ToolXSLTProc, render.ToolWeasyPrint} {
		status := "not found"
		if available[tool] {
			status = "available"
		}
		fmt.Printf("  %-12s %s\n", tool, status)
	}

	entries, err := f.State()
	if err != nil {
		fmt.Printf("Continuation points: error: %v\n", err)
		return nil
	}
	fmt.Println("Continuation points:")
	if len(entries) == 0 {
		fmt.Println("  (none)")
	}
	for _, e := range entries {
		fmt.Printf("  %-18s %s\n", e.SubjectRole, state.FormatCursor(e.Cursor))
	}
	return nil
}

func presence(s string) string {
	if s == "" {
		return "not set"
	}
	return "set"
}

func printFileInfo(filePath string) {
	fmt.Printf("File: %s\n", filePath)

	data, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Printf("  Error: %v\n", err)
		return
	}

	ksefNumber := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	fmt.Printf("  KSeF number: %s\n", ksefNumber)

	doc, err := render.Parse(data)
	if err != nil {
		fmt.Printf("  Error: %v\n", err)
		return
	}

	fmt.Printf("  Namespace:   %s\n", doc.Namespace)
	fmt.Printf("  Schema:      %s\n", doc.Schema)
	if doc.InvoiceNumber != "" {
		fmt.Printf("  Number:      %s\n", doc.InvoiceNumber)
	}
	if doc.IssueDate != "" {
		fmt.Printf("  Issue date:  %s\n", doc.IssueDate)
	}
	if doc.SellerNIP != "" || doc.SellerName != "" {
		fmt.Printf("  Seller:      %s %s\n", doc.SellerNIP, doc.SellerName)
	}
	if doc.GrossAmount != "" {
		fmt.Printf("  Gross:       %s %s\n", doc.GrossAmount, doc.Currency)
	}
}

// collectFiles expands globs and directories into invoice documents
func collectFiles(args []string) ([]string, error) {
	var files []string

	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", arg, err)
		}
		if len(matches) == 0 {
			matches = []string{arg}
		}

		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil {
				return nil, fmt.Errorf("file not found: %s", match)
			}
			if !info.IsDir() {
				files = append(files, match)
				continue
			}
			err = filepath.WalkDir(match, func(path string, d os.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if !d.IsDir() && strings.EqualFold(filepath.Ext(path), processor.DocumentExt) {
					files = append(files, path)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}

	return files, nil
}
