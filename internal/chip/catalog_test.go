package chip

import (
	"strings"
	"testing"
)

func TestLoad(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Count() == 0 {
		t.Fatal("expected at least one variant in catalog")
	}

	c2, err := Load()
	if err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if c != c2 {
		t.Error("expected Load to return the same instance")
	}
}

func TestLookup(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		id        uint32
		series    string
		flashSize uint32
		pageSize  uint32
		found     bool
	}{
		{0x6200, "SN8F5702", 0x1000, 0x20, true},
		{0x6215, "SN8F5702", 0x1000, 0x20, true},
		{0x6216, "SN8F5702A", 0x1000, 0x20, true},
		{0x6260, "SN8F5782", 0x10000, 0x40, true},
		{0x1110, "SNPD5111", 0x4000, 0x20, true},
		{0x99CF, "SN8F5900C", 0x10000, 0x40, true},
		{0x99D0, "", 0, 0, false},
		{0x6230, "", 0, 0, false},
		{0x0000, "", 0, 0, false},
		{0x00016200, "", 0, 0, false},
	}

	for _, tt := range tests {
		v, ok := c.Lookup(tt.id)
		if ok != tt.found {
			t.Errorf("Lookup(0x%X) found = %v, want %v", tt.id, ok, tt.found)
			continue
		}
		if !ok {
			continue
		}
		if v.Series != tt.series {
			t.Errorf("Lookup(0x%X).Series = %s, want %s", tt.id, v.Series, tt.series)
		}
		if v.FlashSize != tt.flashSize {
			t.Errorf("Lookup(0x%X).FlashSize = 0x%X, want 0x%X", tt.id, v.FlashSize, tt.flashSize)
		}
		if v.PageSize != tt.pageSize {
			t.Errorf("Lookup(0x%X).PageSize = 0x%X, want 0x%X", tt.id, v.PageSize, tt.pageSize)
		}
		if v.EmptyValue != DefaultEmptyValue {
			t.Errorf("Lookup(0x%X).EmptyValue = 0x%02X, want 0x%02X", tt.id, v.EmptyValue, DefaultEmptyValue)
		}
		if v.BootSize != DefaultBootSize {
			t.Errorf("Lookup(0x%X).BootSize = 0x%X, want 0x%X", tt.id, v.BootSize, DefaultBootSize)
		}
	}
}

func TestIdentify(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	info := c.Identify(0x6300)
	if !info.Known || info.Variant.Series != "SN8F5703" {
		t.Errorf("Identify(0x6300) = %v", info)
	}
	if !strings.Contains(info.String(), "SN8F5703") {
		t.Errorf("String() = %q", info.String())
	}

	unknown := c.Identify(0xDEAD)
	if unknown.Known {
		t.Error("expected 0xDEAD to be unknown")
	}
	if !strings.Contains(unknown.String(), "0x0000DEAD") {
		t.Errorf("String() = %q", unknown.String())
	}
}

func TestVariantApply(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	v, ok := c.Series("SN8F5702")
	if !ok {
		t.Fatal("SN8F5702 not in catalog")
	}

	page := uint32(0x40)
	empty := uint8(0x00)
	got := v.Apply(Override{PageSize: &page, EmptyValue: &empty})

	if got.PageSize != 0x40 || got.EmptyValue != 0x00 {
		t.Errorf("Apply() = %+v", got)
	}
	if got.FlashSize != v.FlashSize {
		t.Errorf("FlashSize changed to 0x%X", got.FlashSize)
	}
	if v.PageSize != 0x20 {
		t.Error("Apply must not modify the catalog entry")
	}
}

func TestOverrideMerge(t *testing.T) {
	lowPage, highPage := uint32(0x20), uint32(0x40)
	empty := uint8(0x00)

	base := Override{PageSize: &lowPage, EmptyValue: &empty}
	got := base.Merge(Override{PageSize: &highPage})

	if got.PageSize == nil || *got.PageSize != 0x40 {
		t.Errorf("PageSize = %v, want 0x40", got.PageSize)
	}
	if got.EmptyValue == nil || *got.EmptyValue != 0x00 {
		t.Error("EmptyValue from the base override was lost")
	}
	if got.FlashSize != nil || got.BootSize != nil {
		t.Error("unset fields became set")
	}
}

func TestParseRejectsBadCatalogs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "chips: [\n"},
		{"empty range", "chips:\n  - {series: A, id_min: 0x10, id_max: 0x10, flash_size: 0x1000, page_size: 0x20}\n"},
		{"page not power of two", "chips:\n  - {series: A, id_min: 0x10, id_max: 0x20, flash_size: 0x1000, page_size: 0x30}\n"},
		{"flash not page multiple", "chips:\n  - {series: A, id_min: 0x10, id_max: 0x20, flash_size: 0x1010, page_size: 0x20}\n"},
		{"overlap", "chips:\n" +
			"  - {series: A, id_min: 0x10, id_max: 0x20, flash_size: 0x1000, page_size: 0x20}\n" +
			"  - {series: B, id_min: 0x1F, id_max: 0x30, flash_size: 0x1000, page_size: 0x20}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseDefaults(t *testing.T) {
	src := "defaults:\n  empty_value: 0x00\n  boot_size: 0x100\n" +
		"chips:\n" +
		"  - {series: A, id_min: 0x10, id_max: 0x20, flash_size: 0x1000, page_size: 0x20}\n" +
		"  - {series: B, id_min: 0x20, id_max: 0x30, flash_size: 0x1000, page_size: 0x20, empty_value: 0xFF}\n"

	c, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	a, _ := c.Series("A")
	b, _ := c.Series("B")
	if a.EmptyValue != 0x00 || a.BootSize != 0x100 {
		t.Errorf("A = %+v, want defaults applied", a)
	}
	if b.EmptyValue != 0xFF {
		t.Errorf("B.EmptyValue = 0x%02X, want 0xFF", b.EmptyValue)
	}
}
