package parser

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"io"
	"strings"

	"github.com/meridian-search/meridian/internal/apperr"
)

// docxDocument mirrors the subset of the WordprocessingML
// paragraph/run/table shape needed to extract flat text; heading and
// section classification are left to the chunker downstream.
type docxDocument struct {
	XMLName xml.Name `xml:"document"`
	Body    docxBody `xml:"body"`
}

type docxBody struct {
	Paras  []docxPara  `xml:"p"`
	Tables []docxTable `xml:"tbl"`
}

type docxPara struct {
	Runs []docxRun `xml:"r"`
}

type docxRun struct {
	Text []docxText `xml:"t"`
}

type docxText struct {
	Content string `xml:",chardata"`
}

type docxTable struct {
	Rows []docxRow `xml:"tr"`
}

type docxRow struct {
	Cells []docxCell `xml:"tc"`
}

type docxCell struct {
	Paras []docxPara `xml:"p"`
}

func extractParaText(para docxPara) string {
	var b strings.Builder
	for _, run := range para.Runs {
		for _, t := range run.Text {
			b.WriteString(t.Content)
		}
	}
	return b.String()
}

// DOCXParser extracts paragraph and table text from a .docx file via its
// word/document.xml part, opened directly as a zip archive.
type DOCXParser struct{}

func NewDOCXParser() *DOCXParser { return &DOCXParser{} }

func (p *DOCXParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, apperr.NewParseError(path, apperr.ParseCorrupt, err)
	}
	defer r.Close()

	var docFile *zip.File
	for _, f := range r.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return nil, apperr.NewParseError(path, apperr.ParseCorrupt, nil)
	}

	rc, err := docFile.Open()
	if err != nil {
		return nil, apperr.NewParseError(path, apperr.ParseCorrupt, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, apperr.NewParseError(path, apperr.ParseIoError, err)
	}

	var doc docxDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, apperr.NewParseError(path, apperr.ParseCorrupt, err)
	}

	var b strings.Builder
	for _, para := range doc.Body.Paras {
		if ctx.Err() != nil {
			return nil, apperr.NewParseError(path, apperr.ParseIoError, ctx.Err())
		}
		if t := extractParaText(para); t != "" {
			b.WriteString(t)
			b.WriteString("\n")
		}
	}
	for _, tbl := range doc.Body.Tables {
		for _, row := range tbl.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				var cellText strings.Builder
				for _, cp := range cell.Paras {
					if cellText.Len() > 0 {
						cellText.WriteString(" ")
					}
					cellText.WriteString(extractParaText(cp))
				}
				cells = append(cells, cellText.String())
			}
			b.WriteString(strings.Join(cells, "\t"))
			b.WriteString("\n")
		}
	}

	text := strings.TrimSpace(b.String())
	if text == "" {
		return nil, apperr.NewParseError(path, apperr.ParseEmpty, nil)
	}

	return &ParseResult{Pages: []Page{{Number: 1, Text: text}}}, nil
}
