package fileparse

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestConvert_CSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scores.csv")
	require.NoError(t, os.WriteFile(path, []byte("name,score\nalice,90\nbob\n"), 0o644))

	out, err := New().ConvertToFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "scores.md"), out)

	md, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "| name | score |\n| --- | --- |\n| alice | 90 |\n| bob |  |\n", string(md))
}

func TestConvert_Excel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.xlsx")
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"city", "temp"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"beijing", 21}))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	md, err := New().Convert(context.Background(), path)
	require.NoError(t, err)
	assert.Contains(t, md, "## Sheet1")
	assert.Contains(t, md, "| city | temp |")
	assert.Contains(t, md, "| beijing | 21 |")
}

func TestConvert_HTML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(path, []byte("<html><body><h1>Title</h1><p>Hello <strong>world</strong></p></body></html>"), 0o644))

	md, err := New().Convert(context.Background(), path)
	require.NoError(t, err)
	assert.Contains(t, md, "# Title")
	assert.Contains(t, md, "**world**")
}

func TestConvertToFile_MarkdownPassthrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("# notes"), 0o644))
	out, err := New().ConvertToFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, path, out)
}

func TestConvert_Unsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob.bin")
	require.NoError(t, os.WriteFile(path, []byte{0x00, 0x01, 0x02, 0xff, 0xfe}, 0o644))
	_, err := New().Convert(context.Background(), path)
	assert.Error(t, err)
}

func TestSummary(t *testing.T) {
	assert.Equal(t, "你好", Summary("你好世界", 2))
	assert.Equal(t, "abc", Summary("abc", 10))
}
