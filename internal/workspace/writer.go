package workspace

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"

	"github.com/xuri/excelize/v2"

	pkgerrors "github.com/otherjamesbrown/ckanpackager/pkg/errors"
)

// namedWriter owns one workspace file, optionally wrapped by a CSVWriter.
type namedWriter struct {
	name string
	path string
	file *os.File
	buf  *bufio.Writer
	csv  *CSVWriter
}

// Write implements io.Writer directly against the underlying file, for
// callers that stream raw bytes rather than CSV rows (the URL variant).
func (nw *namedWriter) Write(p []byte) (int, error) {
	return nw.file.Write(p)
}

func (nw *namedWriter) flush() error {
	if nw.csv != nil {
		nw.csv.w.Flush()
		if err := nw.csv.w.Error(); err != nil {
			return fmt.Errorf("%w: flushing %s: %v", pkgerrors.ErrInternal, nw.name, err)
		}
	}
	if nw.buf != nil {
		if err := nw.buf.Flush(); err != nil {
			return fmt.Errorf("%w: flushing %s: %v", pkgerrors.ErrInternal, nw.name, err)
		}
	}
	return nil
}

func (nw *namedWriter) close() {
	nw.flush()
	if nw.file != nil {
		nw.file.Close()
	}
}

// CSVWriter wraps encoding/csv with the archive's UTF-8, quote-`"`,
// `\n`-terminated, format-selected-delimiter settings and a row counter.
type CSVWriter struct {
	w    *csv.Writer
	rows int
}

func newCSVWriter(f *os.File, delimiter rune) *CSVWriter {
	w := csv.NewWriter(f)
	w.Comma = delimiter
	w.UseCRLF = false
	return &CSVWriter{w: w}
}

// WriteRow writes one row (header or data) and tracks the row count.
func (cw *CSVWriter) WriteRow(fields []string) error {
	if err := cw.w.Write(fields); err != nil {
		return fmt.Errorf("%w: writing csv row: %v", pkgerrors.ErrInternal, err)
	}
	cw.rows++
	return nil
}

// RowCount returns the number of rows written so far, including the header.
func (cw *CSVWriter) RowCount() int {
	return cw.rows
}

// FinalizeXLSX closes the CSV writer backing name, streams its rows into a
// write-only spreadsheet at the same path with a ".xlsx" extension, saves
// it, and deletes the intermediate CSV. Streaming avoids holding every row
// in memory at once.
func (w *Workspace) FinalizeXLSX(name string) (string, error) {
	nw, ok := w.writers[name]
	if !ok || nw.csv == nil {
		return "", fmt.Errorf("%w: no csv writer open for %s", pkgerrors.ErrInternal, name)
	}
	if err := nw.flush(); err != nil {
		return "", err
	}
	nw.file.Close()

	f, err := os.Open(nw.path)
	if err != nil {
		return "", fmt.Errorf("%w: reopening %s for xlsx conversion: %v", pkgerrors.ErrInternal, name, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.Comma = nw.csv.w.Comma
	reader.FieldsPerRecord = -1

	xlsxPath := trimCSVExt(nw.path) + ".xlsx"
	book := excelize.NewFile()
	defer book.Close()

	sheet := book.GetSheetName(0)
	streamWriter, err := book.NewStreamWriter(sheet)
	if err != nil {
		return "", fmt.Errorf("%w: creating xlsx stream writer: %v", pkgerrors.ErrInternal, err)
	}

	rowIdx := 1
	for {
		record, err := reader.Read()
		if err != nil {
			break
		}
		cells := make([]any, len(record))
		for i, v := range record {
			cells[i] = v
		}
		cell, _ := excelize.CoordinatesToCellName(1, rowIdx)
		if err := streamWriter.SetRow(cell, cells); err != nil {
			return "", fmt.Errorf("%w: writing xlsx row: %v", pkgerrors.ErrInternal, err)
		}
		rowIdx++
	}

	if err := streamWriter.Flush(); err != nil {
		return "", fmt.Errorf("%w: flushing xlsx stream: %v", pkgerrors.ErrInternal, err)
	}
	if err := book.SaveAs(xlsxPath); err != nil {
		return "", fmt.Errorf("%w: saving xlsx: %v", pkgerrors.ErrInternal, err)
	}

	os.Remove(nw.path)
	delete(w.writers, name)

	newNW := &namedWriter{name: name, path: xlsxPath}
	w.writers[name] = newNW

	return xlsxPath, nil
}

func trimCSVExt(path string) string {
	if len(path) > 4 && path[len(path)-4:] == ".csv" {
		return path[:len(path)-4]
	}
	return path
}
