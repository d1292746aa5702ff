package fileparse

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

// CsvConverter 把 CSV 转换为 markdown 表格。
type CsvConverter struct{}

func NewCsvConverter() *CsvConverter { return &CsvConverter{} }

func (CsvConverter) Name() string                 { return "csv" }
func (CsvConverter) AcceptedExtensions() []string { return []string{".csv"} }
func (CsvConverter) AcceptedMimeTypes() []string  { return []string{"text/csv"} }

func (CsvConverter) Convert(_ context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return "", fmt.Errorf("failed to read csv: %w", err)
	}
	return markdownTable(rows), nil
}

// ExcelConverter 把每个工作表转换为一个带标题的 markdown 表格。
type ExcelConverter struct{}

func NewExcelConverter() *ExcelConverter { return &ExcelConverter{} }

func (ExcelConverter) Name() string                 { return "excel" }
func (ExcelConverter) AcceptedExtensions() []string { return []string{".xlsx", ".xlsm"} }
func (ExcelConverter) AcceptedMimeTypes() []string {
	return []string{"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"}
}

func (ExcelConverter) Convert(ctx context.Context, path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n", sheet)
		b.WriteString(markdownTable(rows))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n", nil
}

// HTMLConverter 使用 html-to-markdown 转换网页。
type HTMLConverter struct{}

func NewHTMLConverter() *HTMLConverter { return &HTMLConverter{} }

func (HTMLConverter) Name() string                 { return "html" }
func (HTMLConverter) AcceptedExtensions() []string { return []string{".html", ".htm"} }
func (HTMLConverter) AcceptedMimeTypes() []string  { return []string{"text/html"} }

func (HTMLConverter) Convert(_ context.Context, path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	md, err := htmltomarkdown.ConvertString(string(raw))
	if err != nil {
		return "", fmt.Errorf("failed to convert html: %w", err)
	}
	return md, nil
}

// PdfConverter 抽取 PDF 的纯文本。
type PdfConverter struct{}

func NewPdfConverter() *PdfConverter { return &PdfConverter{} }

func (PdfConverter) Name() string                 { return "pdf" }
func (PdfConverter) AcceptedExtensions() []string { return []string{".pdf"} }
func (PdfConverter) AcceptedMimeTypes() []string  { return []string{"application/pdf"} }

func (PdfConverter) Convert(_ context.Context, path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}
	defer f.Close()
	text, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to extract pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(text); err != nil {
		return "", fmt.Errorf("failed to read pdf text: %w", err)
	}
	return buf.String(), nil
}

// TextConverter 原样返回纯文本与 markdown。
type TextConverter struct{}

func NewTextConverter() *TextConverter { return &TextConverter{} }

func (TextConverter) Name() string { return "text" }
func (TextConverter) AcceptedExtensions() []string {
	return []string{".txt", ".md", ".markdown", ".json", ".yaml", ".yml", ".log"}
}
func (TextConverter) AcceptedMimeTypes() []string { return []string{"text/plain"} }

func (TextConverter) Convert(_ context.Context, path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// markdownTable 把第一行作为表头, 列数按最长的行补齐。
func markdownTable(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}
	if width == 0 {
		return ""
	}
	var b strings.Builder
	writeRow := func(r []string) {
		cells := make([]string, width)
		for i := range cells {
			if i < len(r) {
				cells[i] = strings.ReplaceAll(strings.TrimSpace(r[i]), "|", `\|`)
			}
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	writeRow(rows[0])
	b.WriteString("|" + strings.Repeat(" --- |", width) + "\n")
	for _, r := range rows[1:] {
		writeRow(r)
	}
	return b.String()
}
