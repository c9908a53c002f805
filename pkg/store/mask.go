/*
	Package store persists sampling results: background mask bundles, patch
	tables and the patch catalog.
*/

package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/tinylib/msgp/msgp"

	"slidesampler/internal/models"
)

// maskMagic prefixes every serialized mask bundle.
var maskMagic = [4]byte{'B', 'G', 'M', 'K'}

const maskFormatVersion uint8 = 1

// ErrBadBundle is returned for mask bundles that fail to decode or verify.
var ErrBadBundle = errors.New("invalid mask bundle")

// MaskBundlePath returns the file a slide's mask bundle is stored in.
func MaskBundlePath(dir, slideID string) string {
	return filepath.Join(dir, slideID+"_bgmask.msgp")
}

// SaveMask writes a mask bundle for slideID into dir and returns its path.
func SaveMask(dir, slideID string, mask *models.BackgroundMask) (string, error) {
	data, err := MarshalMask(mask)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := MaskBundlePath(dir, slideID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write mask bundle: %w", err)
	}
	return path, nil
}

// LoadMask reads a mask bundle written by SaveMask.
func LoadMask(path string) (*models.BackgroundMask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mask bundle: %w", err)
	}
	mask, err := UnmarshalMask(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return mask, nil
}

// MarshalMask serializes a mask as magic, format version, CRC32 of the
// payload and the snappy-compressed MessagePack payload.
func MarshalMask(mask *models.BackgroundMask) ([]byte, error) {
	if err := mask.Validate(); err != nil {
		return nil, err
	}

	o := msgp.AppendMapHeader(nil, 6)
	o = msgp.AppendString(o, "width")
	o = msgp.AppendInt(o, mask.Width)
	o = msgp.AppendString(o, "height")
	o = msgp.AppendInt(o, mask.Height)
	o = msgp.AppendString(o, "level")
	o = msgp.AppendInt(o, mask.Binding.Level)
	o = msgp.AppendString(o, "downsampling")
	o = msgp.AppendFloat64(o, mask.Binding.Downsample)
	o = msgp.AppendString(o, "footprint")
	o = msgp.AppendInt(o, mask.Footprint)
	o = msgp.AppendString(o, "mask")
	o = msgp.AppendBytes(o, packBits(mask.Data))

	payload := snappy.Encode(nil, o)

	var buffer bytes.Buffer
	buffer.Write(maskMagic[:])
	buffer.WriteByte(maskFormatVersion)
	if err := binary.Write(&buffer, binary.LittleEndian, crc32.ChecksumIEEE(payload)); err != nil {
		return nil, err
	}
	buffer.Write(payload)
	return buffer.Bytes(), nil
}

// UnmarshalMask decodes a mask serialized by MarshalMask.
func UnmarshalMask(data []byte) (*models.BackgroundMask, error) {
	const headerSize = len(maskMagic) + 1 + 4
	if len(data) < headerSize || !bytes.Equal(data[:4], maskMagic[:]) {
		return nil, fmt.Errorf("%w: bad header", ErrBadBundle)
	}
	if v := data[4]; v != maskFormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrBadBundle, v)
	}
	stored := binary.LittleEndian.Uint32(data[5:9])
	payload := data[headerSize:]
	if sum := crc32.ChecksumIEEE(payload); sum != stored {
		return nil, fmt.Errorf("%w: bad checksum, stored %x got %x", ErrBadBundle, stored, sum)
	}

	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBundle, err)
	}

	fields, raw, err := msgp.ReadMapHeaderBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBundle, err)
	}

	mask := &models.BackgroundMask{}
	var packed []byte
	for i := uint32(0); i < fields; i++ {
		var key string
		key, raw, err = msgp.ReadStringBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadBundle, err)
		}
		switch key {
		case "width":
			mask.Width, raw, err = msgp.ReadIntBytes(raw)
		case "height":
			mask.Height, raw, err = msgp.ReadIntBytes(raw)
		case "level":
			mask.Binding.Level, raw, err = msgp.ReadIntBytes(raw)
		case "downsampling":
			mask.Binding.Downsample, raw, err = msgp.ReadFloat64Bytes(raw)
		case "footprint":
			mask.Footprint, raw, err = msgp.ReadIntBytes(raw)
		case "mask":
			packed, raw, err = msgp.ReadBytesBytes(raw, nil)
		default:
			raw, err = msgp.Skip(raw)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrBadBundle, key, err)
		}
	}

	n := mask.Width * mask.Height
	if mask.Width <= 0 || mask.Height <= 0 || len(packed) != (n+7)/8 {
		return nil, fmt.Errorf("%w: %d mask bytes for %dx%d", ErrBadBundle, len(packed), mask.Width, mask.Height)
	}
	mask.Data = unpackBits(packed, n)

	if err := mask.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBundle, err)
	}
	return mask, nil
}

// packBits stores eight mask values per byte, least significant bit first.
func packBits(data []bool) []byte {
	out := make([]byte, (len(data)+7)/8)
	for i, v := range data {
		if v {
			out[i>>3] |= 1 << (i & 7)
		}
	}
	return out
}

func unpackBits(packed []byte, n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = packed[i>>3]&(1<<(i&7)) != 0
	}
	return out
}
