package tabular

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	pqfile "github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// ReadParquet decodes a whole parquet file held in memory.
func ReadParquet(ctx context.Context, data []byte) (*Dataset, error) {
	if len(data) == 0 {
		return nil, errors.New("empty parquet file")
	}

	pqReader, err := pqfile.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer pqReader.Close()

	mem := memory.DefaultAllocator
	arrowReader, err := pqarrow.NewFileReader(pqReader, pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, fmt.Errorf("failed to create arrow reader: %w", err)
	}

	table, err := arrowReader.ReadTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read table: %w", err)
	}
	defer table.Release()

	schema := table.Schema()
	ds := &Dataset{Columns: make([]*Column, 0, schema.NumFields())}
	for i, field := range schema.Fields() {
		if !Supported(field.Type) {
			return nil, fmt.Errorf("column %q: %w: %s", field.Name, ErrUnsupportedType, field.Type)
		}
		col := &Column{
			Name:     field.Name,
			Type:     field.Type,
			Nullable: field.Nullable,
			Values:   make([]any, 0, table.NumRows()),
		}
		for _, chunk := range table.Column(i).Data().Chunks() {
			if col.Values, err = appendArrayValues(col.Values, field.Type, chunk); err != nil {
				return nil, fmt.Errorf("column %q: %w", field.Name, err)
			}
		}
		ds.Columns = append(ds.Columns, col)
	}
	return ds, nil
}

func appendArrayValues(dst []any, dt arrow.DataType, arr arrow.Array) ([]any, error) {
	n := arr.Len()
	// Null arrays carry no validity bitmap, so IsNull does not report their rows.
	if dt.ID() == arrow.NULL {
		for i := 0; i < n; i++ {
			dst = append(dst, nil)
		}
		return dst, nil
	}
	for i := 0; i < n; i++ {
		if arr.IsNull(i) {
			dst = append(dst, nil)
			continue
		}
		var v any
		switch a := arr.(type) {
		case *array.Boolean:
			v = a.Value(i)
		case *array.Int8:
			v = a.Value(i)
		case *array.Int16:
			v = a.Value(i)
		case *array.Int32:
			v = a.Value(i)
		case *array.Int64:
			v = a.Value(i)
		case *array.Uint8:
			v = a.Value(i)
		case *array.Uint16:
			v = a.Value(i)
		case *array.Uint32:
			v = a.Value(i)
		case *array.Uint64:
			v = a.Value(i)
		case *array.Float32:
			v = a.Value(i)
		case *array.Float64:
			v = a.Value(i)
		case *array.String:
			v = a.Value(i)
		case *array.LargeString:
			v = a.Value(i)
		case *array.Timestamp:
			v = a.Value(i).ToTime(dt.(*arrow.TimestampType).Unit)
		case *array.Date32:
			v = a.Value(i).ToTime()
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, arr.DataType())
		}
		dst = append(dst, v)
	}
	return dst, nil
}

// WriteParquet encodes ds as a snappy-compressed parquet file with a single row group.
func WriteParquet(w io.Writer, ds *Dataset) error {
	if err := ds.Validate(); err != nil {
		return fmt.Errorf("invalid dataset: %w", err)
	}

	mem := memory.DefaultAllocator
	fields := make([]arrow.Field, len(ds.Columns))
	arrays := make([]arrow.Array, len(ds.Columns))
	defer func() {
		for _, a := range arrays {
			if a != nil {
				a.Release()
			}
		}
	}()

	for i, c := range ds.Columns {
		fields[i] = arrow.Field{Name: c.Name, Type: c.Type, Nullable: c.Nullable}
		arr, err := buildArray(mem, c)
		if err != nil {
			return fmt.Errorf("column %q: %w", c.Name, err)
		}
		arrays[i] = arr
	}

	schema := arrow.NewSchema(fields, nil)
	rec := array.NewRecord(schema, arrays, int64(ds.NumRows()))
	defer rec.Release()

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	writer, err := pqarrow.NewFileWriter(schema, w, props, pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}

// EncodeParquet is WriteParquet into a byte slice.
func EncodeParquet(ds *Dataset) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteParquet(&buf, ds); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func buildArray(mem memory.Allocator, c *Column) (arrow.Array, error) {
	b := array.NewBuilder(mem, c.Type)
	defer b.Release()
	b.Reserve(len(c.Values))

	for _, v := range c.Values {
		if v == nil {
			b.AppendNull()
			continue
		}
		switch bb := b.(type) {
		case *array.BooleanBuilder:
			bb.Append(v.(bool))
		case *array.Int8Builder:
			bb.Append(v.(int8))
		case *array.Int16Builder:
			bb.Append(v.(int16))
		case *array.Int32Builder:
			bb.Append(v.(int32))
		case *array.Int64Builder:
			bb.Append(v.(int64))
		case *array.Uint8Builder:
			bb.Append(v.(uint8))
		case *array.Uint16Builder:
			bb.Append(v.(uint16))
		case *array.Uint32Builder:
			bb.Append(v.(uint32))
		case *array.Uint64Builder:
			bb.Append(v.(uint64))
		case *array.Float32Builder:
			bb.Append(v.(float32))
		case *array.Float64Builder:
			bb.Append(v.(float64))
		case *array.StringBuilder:
			bb.Append(v.(string))
		case *array.LargeStringBuilder:
			bb.Append(v.(string))
		case *array.TimestampBuilder:
			ts, err := arrow.TimestampFromTime(v.(time.Time), c.Type.(*arrow.TimestampType).Unit)
			if err != nil {
				return nil, err
			}
			bb.Append(ts)
		case *array.Date32Builder:
			bb.Append(arrow.Date32FromTime(v.(time.Time)))
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, c.Type)
		}
	}
	return b.NewArray(), nil
}
