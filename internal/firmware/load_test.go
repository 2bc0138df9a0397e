package firmware

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name string
		want Format
	}{
		{"fw.hex", FormatIntelHex},
		{"fw.IHX", FormatIntelHex},
		{"build/fw.ihex", FormatIntelHex},
		{"fw.bin", FormatBinary},
		{"fw", FormatBinary},
		{"-", FormatBinary},
	}

	for _, tt := range tests {
		if got := DetectFormat(tt.name); got != tt.want {
			t.Errorf("DetectFormat(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatAuto, false},
		{"auto", FormatAuto, false},
		{"BIN", FormatBinary, false},
		{"hex", FormatIntelHex, false},
		{"srec", FormatAuto, true},
	}

	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoadBinary(t *testing.T) {
	data := []byte{0x02, 0x00, 0x03, 0xFF}
	img, err := Load("fw.bin", bytes.NewReader(data), FormatAuto)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if img.Extent() != 4 {
		t.Errorf("Extent() = %d, want 4", img.Extent())
	}
	if !bytes.Equal(img.flatten(0x00), data) {
		t.Errorf("flatten() = % X, want % X", img.flatten(0x00), data)
	}
	data[0] = 0x00
	if v, _ := img.at(0); v != 0x02 {
		t.Error("image must not alias the caller's buffer")
	}
}

func TestLoadForcedFormat(t *testing.T) {
	src := hexFile(record(recData, 0x0002, 0xAB), record(recEOF, 0))
	img, err := Load("fw.bin", strings.NewReader(src), FormatIntelHex)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if v, ok := img.at(2); !ok || v != 0xAB {
		t.Errorf("At(2) = 0x%02X,%v, want 0xAB", v, ok)
	}
	if !bytes.Equal(img.flatten(0xFF), []byte{0xFF, 0xFF, 0xAB}) {
		t.Errorf("flatten(0xFF) = % X", img.flatten(0xFF))
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fw.ihx")
	src := hexFile(record(recData, 0x0000, 0x01, 0x02), record(recEOF, 0))
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	img, err := LoadFile(path, FormatAuto)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if img.Len() != 2 {
		t.Errorf("Len() = %d, want 2", img.Len())
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.bin"), FormatAuto); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	data := []byte{0x10, 0x20, 0x30}

	binPath := filepath.Join(dir, "dump.bin")
	if err := Save(binPath, nil, 0, data, FormatAuto); err != nil {
		t.Fatalf("Save(bin) failed: %v", err)
	}
	got, err := os.ReadFile(binPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("binary dump = % X, want % X", got, data)
	}

	hexPath := filepath.Join(dir, "dump.hex")
	if err := Save(hexPath, nil, 0x100, data, FormatAuto); err != nil {
		t.Fatalf("Save(hex) failed: %v", err)
	}
	img, err := LoadFile(hexPath, FormatAuto)
	if err != nil {
		t.Fatalf("LoadFile(hex dump) failed: %v", err)
	}
	for i, want := range data {
		if v, ok := img.at(0x100 + uint32(i)); !ok || v != want {
			t.Errorf("At(0x%X) = 0x%02X,%v, want 0x%02X", 0x100+i, v, ok, want)
		}
	}

	var stdout bytes.Buffer
	if err := Save("-", &stdout, 0, data, FormatAuto); err != nil {
		t.Fatalf("Save(-) failed: %v", err)
	}
	if !bytes.Equal(stdout.Bytes(), data) {
		t.Errorf("stdout dump = % X, want % X", stdout.Bytes(), data)
	}
}
