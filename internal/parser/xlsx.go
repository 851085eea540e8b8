package parser

import (
	"context"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/meridian-search/meridian/internal/apperr"
)

// XLSXParser enumerates sheets and emits tab-separated row text with a
// sheet-name header line per sheet, using excelize's per-sheet GetRows
// to walk each sheet's rows in order.
type XLSXParser struct{}

func NewXLSXParser() *XLSXParser { return &XLSXParser{} }

func (p *XLSXParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, apperr.NewParseError(path, apperr.ParseCorrupt, err)
	}
	defer f.Close()

	var pages []Page
	pageNum := 1
	for _, sheet := range f.GetSheetList() {
		if ctx.Err() != nil {
			return nil, apperr.NewParseError(path, apperr.ParseIoError, ctx.Err())
		}
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}

		var b strings.Builder
		b.WriteString("# ")
		b.WriteString(sheet)
		b.WriteString("\n")
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteString("\n")
		}

		pages = append(pages, Page{Number: pageNum, Text: b.String()})
		pageNum++
	}

	if len(pages) == 0 {
		return nil, apperr.NewParseError(path, apperr.ParseEmpty, nil)
	}

	return &ParseResult{Pages: pages}, nil
}
