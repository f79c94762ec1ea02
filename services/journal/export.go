package journal

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	OrderID    string `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	PrinterID  string `parquet:"name=printer_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	RecordedAt string `parquet:"name=recorded_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	Digest     string `parquet:"name=digest, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet writes every entry after the given sequence to a parquet
// file at path and returns the number of rows written.
func (j *Journal) ExportParquet(ctx context.Context, path string, after uint64) (int, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("journal: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("journal: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	abort := func(err error) (int, error) {
		_ = pw.WriteStop()
		file.Close()
		return 0, err
	}
	rows := 0
	for {
		page, err := j.Since(ctx, after, maxPageSize)
		if err != nil {
			return abort(err)
		}
		for _, entry := range page {
			row := &parquetRow{
				Sequence:   int64(entry.Sequence),
				Type:       entry.Type,
				OrderID:    entry.OrderID,
				PrinterID:  entry.PrinterID,
				Attributes: entry.Attributes,
				RecordedAt: entry.RecordedAt.UTC().Format(time.RFC3339Nano),
				Digest:     entry.Digest,
			}
			if err := pw.Write(row); err != nil {
				return abort(fmt.Errorf("journal: parquet write: %w", err))
			}
			after = entry.Sequence
			rows++
		}
		if len(page) < maxPageSize {
			break
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return 0, fmt.Errorf("journal: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("journal: close parquet file: %w", err)
	}
	return rows, nil
}
