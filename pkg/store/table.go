package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"

	"slidesampler/internal/models"
)

// patchSchema holds one row per patch; class is null for unclassed patches.
var patchSchema = arrow.NewSchema([]arrow.Field{
	{Name: "w", Type: arrow.PrimitiveTypes.Int64},
	{Name: "h", Type: arrow.PrimitiveTypes.Int64},
	{Name: "class", Type: arrow.PrimitiveTypes.Int8, Nullable: true},
	{Name: "parent", Type: arrow.BinaryTypes.String},
	{Name: "level", Type: arrow.PrimitiveTypes.Int32},
	{Name: "size", Type: arrow.PrimitiveTypes.Int32},
}, nil)

// PatchTablePath returns the file a slide's patch table is stored in.
func PatchTablePath(dir, slideID string) string {
	return filepath.Join(dir, slideID+"_patchframe.arrow")
}

// SaveTable writes a patch table for slideID into dir and returns its path.
func SaveTable(dir, slideID string, table *models.PatchTable) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := PatchTablePath(dir, slideID)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create patch table file: %w", err)
	}
	if err := WriteTable(f, table); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close patch table file %s: %w", path, err)
	}
	return path, nil
}

// WriteTable writes a patch table as a single Arrow IPC record batch.
func WriteTable(w io.Writer, table *models.PatchTable) error {
	pool := memory.NewGoAllocator()

	b := array.NewRecordBuilder(pool, patchSchema)
	defer b.Release()

	wb := b.Field(0).(*array.Int64Builder)
	hb := b.Field(1).(*array.Int64Builder)
	cb := b.Field(2).(*array.Int8Builder)
	pb := b.Field(3).(*array.StringBuilder)
	lb := b.Field(4).(*array.Int32Builder)
	sb := b.Field(5).(*array.Int32Builder)

	for _, r := range table.Rows {
		wb.Append(int64(r.W))
		hb.Append(int64(r.H))
		if label, ok := r.Class.Label(); ok {
			cb.Append(int8(label))
		} else {
			cb.AppendNull()
		}
		pb.Append(r.Parent)
		lb.Append(int32(r.Level))
		sb.Append(int32(r.Size))
	}

	record := b.NewRecord()
	defer record.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(patchSchema), ipc.WithAllocator(pool))
	if err := writer.Write(record); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write patch table: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close patch table writer: %w", err)
	}
	return nil
}

// LoadTable reads a patch table saved by SaveTable.
func LoadTable(path string) (*models.PatchTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open patch table: %w", err)
	}
	defer f.Close()
	return ReadTable(f)
}

// ReadTable reads every record batch of an Arrow IPC stream written by
// WriteTable.
func ReadTable(r io.Reader) (*models.PatchTable, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("failed to open patch table stream: %w", err)
	}
	defer reader.Release()

	fields := reader.Schema().Fields()
	if len(fields) != len(models.PatchTableColumns) {
		return nil, fmt.Errorf("unexpected patch table schema: %s", reader.Schema())
	}
	for i, f := range fields {
		if f.Name != models.PatchTableColumns[i] || !arrow.TypeEqual(f.Type, patchSchema.Field(i).Type) {
			return nil, fmt.Errorf("unexpected patch table column %d: %s %s", i, f.Name, f.Type)
		}
	}

	table := &models.PatchTable{}
	for reader.Next() {
		rec := reader.Record()
		ws := rec.Column(0).(*array.Int64)
		hs := rec.Column(1).(*array.Int64)
		cs := rec.Column(2).(*array.Int8)
		ps := rec.Column(3).(*array.String)
		ls := rec.Column(4).(*array.Int32)
		ss := rec.Column(5).(*array.Int32)

		for i := 0; i < int(rec.NumRows()); i++ {
			class := models.ClassNone
			if !cs.IsNull(i) {
				class, err = models.ClassFromLabel(int(cs.Value(i)))
				if err != nil {
					return nil, fmt.Errorf("row %d: %w", table.Len(), err)
				}
			}
			table.Append(models.PatchRecord{
				W:      int(ws.Value(i)),
				H:      int(hs.Value(i)),
				Parent: ps.Value(i),
				Level:  int(ls.Value(i)),
				Size:   int(ss.Value(i)),
				Class:  class,
			})
		}
	}
	if err := reader.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read patch table: %w", err)
	}
	return table, nil
}
