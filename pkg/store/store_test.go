package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"slidesampler/internal/models"
)

func createTestMask() *models.BackgroundMask {
	const w, h = 37, 21
	data := make([]bool, w*h)
	for i := range data {
		data[i] = (i*7)%5 < 2
	}
	return &models.BackgroundMask{
		Width:     w,
		Height:    h,
		Data:      data,
		Binding:   models.LevelBinding{Level: 3, Downsample: 32.0001},
		Footprint: 8,
	}
}

func createTestTable() *models.PatchTable {
	t := &models.PatchTable{}
	t.Append(models.PatchRecord{W: 10, H: 20, Parent: "/slides/a.tif", Level: 0, Size: 256, Class: models.ClassBackground})
	t.Append(models.PatchRecord{W: 3000, H: 4000, Parent: "/slides/a.tif", Level: 0, Size: 256, Class: models.ClassForeground})
	t.Append(models.PatchRecord{W: 5, H: 6, Parent: "/slides/a.tif", Level: 1, Size: 128, Class: models.ClassNone})
	return t
}

func TestPackBits(t *testing.T) {
	data := []bool{true, false, true, true, false, false, false, false, true, true}
	packed := packBits(data)
	if len(packed) != 2 {
		t.Fatalf("Expected 2 bytes, got %d", len(packed))
	}
	if packed[0] != 0x0d || packed[1] != 0x03 {
		t.Errorf("Unexpected packing %08b %08b", packed[0], packed[1])
	}
	unpacked := unpackBits(packed, len(data))
	for i := range data {
		if unpacked[i] != data[i] {
			t.Errorf("Value %d: expected %v, got %v", i, data[i], unpacked[i])
		}
	}
}

func TestMaskBundle(t *testing.T) {
	dir := t.TempDir()
	mask := createTestMask()

	path, err := SaveMask(dir, "case-01", mask)
	if err != nil {
		t.Fatalf("SaveMask failed: %v", err)
	}
	if filepath.Base(path) != "case-01_bgmask.msgp" {
		t.Errorf("Unexpected bundle name %s", path)
	}

	loaded, err := LoadMask(path)
	if err != nil {
		t.Fatalf("LoadMask failed: %v", err)
	}
	if loaded.Width != mask.Width || loaded.Height != mask.Height || loaded.Footprint != mask.Footprint {
		t.Errorf("Geometry mismatch: got %dx%d footprint %d", loaded.Width, loaded.Height, loaded.Footprint)
	}
	if loaded.Binding != mask.Binding {
		t.Errorf("Expected binding %v, got %v", mask.Binding, loaded.Binding)
	}
	for i := range mask.Data {
		if loaded.Data[i] != mask.Data[i] {
			t.Fatalf("Mask value %d differs", i)
		}
	}
}

func TestMaskBundleCorruption(t *testing.T) {
	data, err := MarshalMask(createTestMask())
	if err != nil {
		t.Fatalf("MarshalMask failed: %v", err)
	}

	flipped := bytes.Clone(data)
	flipped[len(flipped)-1] ^= 0xff
	if _, err := UnmarshalMask(flipped); !errors.Is(err, ErrBadBundle) {
		t.Errorf("Expected ErrBadBundle for a corrupted payload, got %v", err)
	}

	if _, err := UnmarshalMask(data[:6]); !errors.Is(err, ErrBadBundle) {
		t.Errorf("Expected ErrBadBundle for a truncated bundle, got %v", err)
	}

	version := bytes.Clone(data)
	version[4] = 9
	if _, err := UnmarshalMask(version); !errors.Is(err, ErrBadBundle) {
		t.Errorf("Expected ErrBadBundle for an unknown version, got %v", err)
	}

	if _, err := MarshalMask(&models.BackgroundMask{Width: 2, Height: 2, Data: make([]bool, 3), Footprint: 1}); err == nil {
		t.Error("Expected error marshalling an invalid mask")
	}
}

func TestPatchTable(t *testing.T) {
	dir := t.TempDir()
	table := createTestTable()

	path, err := SaveTable(dir, "case-01", table)
	if err != nil {
		t.Fatalf("SaveTable failed: %v", err)
	}
	if filepath.Base(path) != "case-01_patchframe.arrow" {
		t.Errorf("Unexpected table name %s", path)
	}

	loaded, err := LoadTable(path)
	if err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}
	if loaded.Len() != table.Len() {
		t.Fatalf("Expected %d rows, got %d", table.Len(), loaded.Len())
	}
	for i := range table.Rows {
		if loaded.Rows[i] != table.Rows[i] {
			t.Errorf("Row %d: expected %+v, got %+v", i, table.Rows[i], loaded.Rows[i])
		}
	}
}

func TestPatchTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTable(&buf, &models.PatchTable{}); err != nil {
		t.Fatalf("WriteTable failed: %v", err)
	}
	loaded, err := ReadTable(&buf)
	if err != nil {
		t.Fatalf("ReadTable failed: %v", err)
	}
	if loaded.Len() != 0 {
		t.Errorf("Expected empty table, got %d rows", loaded.Len())
	}
}

func TestLoadTableMissing(t *testing.T) {
	if _, err := LoadTable(filepath.Join(t.TempDir(), "missing.arrow")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected os.ErrNotExist, got %v", err)
	}
}

func TestCatalog(t *testing.T) {
	c, err := OpenCatalog(":memory:")
	if err != nil {
		t.Fatalf("OpenCatalog failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	ctx := context.Background()

	binding := models.LevelBinding{Level: 0, Downsample: 1}
	first, err := c.AddRun(ctx, "/slides/a.tif", binding, 256, createTestTable())
	if err != nil {
		t.Fatalf("AddRun failed: %v", err)
	}
	id, err := uuid.Parse(first)
	if err != nil {
		t.Fatalf("Run id %q is not a UUID: %v", first, err)
	}
	if id.Version() != 7 {
		t.Errorf("Expected UUIDv7, got version %d", id.Version())
	}

	second, err := c.AddRun(ctx, "/slides/b.tif", binding, 256, &models.PatchTable{})
	if err != nil {
		t.Fatalf("AddRun failed: %v", err)
	}

	runs, err := c.Runs(ctx, "")
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != first || runs[1].ID != second {
		t.Fatalf("Unexpected runs %+v", runs)
	}
	if runs[0].Patches != 3 || runs[1].Patches != 0 {
		t.Errorf("Unexpected patch counts %d, %d", runs[0].Patches, runs[1].Patches)
	}
	if runs[0].Size != 256 || runs[0].Downsample != 1 || runs[0].CreatedAt.IsZero() {
		t.Errorf("Unexpected run %+v", runs[0])
	}

	only, err := c.Runs(ctx, "/slides/b.tif")
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(only) != 1 || only[0].ID != second {
		t.Errorf("Expected only run %s, got %+v", second, only)
	}

	table, err := c.Patches(ctx, first)
	if err != nil {
		t.Fatalf("Patches failed: %v", err)
	}
	want := createTestTable()
	if table.Len() != want.Len() {
		t.Fatalf("Expected %d patches, got %d", want.Len(), table.Len())
	}
	for i := range want.Rows {
		if table.Rows[i] != want.Rows[i] {
			t.Errorf("Patch %d: expected %+v, got %+v", i, want.Rows[i], table.Rows[i])
		}
	}
}

func TestCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "catalog.db")
	c, err := OpenCatalog(path)
	if err != nil {
		t.Fatalf("OpenCatalog failed: %v", err)
	}
	id, err := c.AddRun(context.Background(), "/slides/a.tif", models.LevelBinding{}, 64, createTestTable())
	if err != nil {
		t.Fatalf("AddRun failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	c, err = OpenCatalog(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer c.Close()
	table, err := c.Patches(context.Background(), id)
	if err != nil {
		t.Fatalf("Patches failed: %v", err)
	}
	if table.Len() != 3 {
		t.Errorf("Expected 3 patches after reopening, got %d", table.Len())
	}
}
