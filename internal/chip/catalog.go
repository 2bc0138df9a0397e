package chip

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed chips/chips.yaml
var chipsYAML []byte

const (
	DefaultEmptyValue uint8  = 0xFF
	DefaultBootSize   uint32 = 0x200
	DefaultPageSize   uint32 = 0x20
)

// Variant describes one chip series.
type Variant struct {
	Series string

	// IDMin and IDMax bound the reported chip IDs: IDMin <= id < IDMax.
	IDMin uint32
	IDMax uint32

	FlashSize  uint32
	PageSize   uint32
	BootSize   uint32
	EmptyValue uint8
}

// Matches reports whether id falls in the variant's ID range.
func (v *Variant) Matches(id uint32) bool {
	return id >= v.IDMin && id < v.IDMax
}

func (v *Variant) String() string {
	return fmt.Sprintf("%s (flash 0x%X, page 0x%X)", v.Series, v.FlashSize, v.PageSize)
}

// Override replaces selected variant properties. Nil fields are left alone.
type Override struct {
	FlashSize  *uint32 `yaml:"flash_size,omitempty"`
	PageSize   *uint32 `yaml:"page_size,omitempty"`
	BootSize   *uint32 `yaml:"boot_size,omitempty"`
	EmptyValue *uint8  `yaml:"empty_value,omitempty"`
}

// Apply returns a copy of v with o applied.
func (v Variant) Apply(o Override) Variant {
	if o.FlashSize != nil {
		v.FlashSize = *o.FlashSize
	}
	if o.PageSize != nil {
		v.PageSize = *o.PageSize
	}
	if o.BootSize != nil {
		v.BootSize = *o.BootSize
	}
	if o.EmptyValue != nil {
		v.EmptyValue = *o.EmptyValue
	}
	return v
}

// Merge returns o with every field set in top replacing its own.
func (o Override) Merge(top Override) Override {
	if top.FlashSize != nil {
		o.FlashSize = top.FlashSize
	}
	if top.PageSize != nil {
		o.PageSize = top.PageSize
	}
	if top.BootSize != nil {
		o.BootSize = top.BootSize
	}
	if top.EmptyValue != nil {
		o.EmptyValue = top.EmptyValue
	}
	return o
}

// Validate checks the geometry is usable by the flash layer.
func (v *Variant) Validate() error {
	if v.PageSize == 0 || v.PageSize&(v.PageSize-1) != 0 {
		return fmt.Errorf("%s: page size 0x%X is not a power of two", v.Series, v.PageSize)
	}
	if v.PageSize > 0x100 {
		return fmt.Errorf("%s: page size 0x%X exceeds the 256-byte ISP buffer", v.Series, v.PageSize)
	}
	if v.FlashSize == 0 || v.FlashSize%v.PageSize != 0 {
		return fmt.Errorf("%s: flash size 0x%X is not a multiple of page size 0x%X", v.Series, v.FlashSize, v.PageSize)
	}
	if v.BootSize == 0 || v.BootSize%v.PageSize != 0 {
		return fmt.Errorf("%s: boot size 0x%X is not a multiple of page size 0x%X", v.Series, v.BootSize, v.PageSize)
	}
	return nil
}

// Info is the result of identifying a target.
type Info struct {
	ID      uint32
	Variant Variant
	Known   bool
}

func (i Info) String() string {
	if !i.Known {
		return fmt.Sprintf("unknown chip (ID 0x%08X)", i.ID)
	}
	return fmt.Sprintf("%s (ID 0x%08X)", i.Variant.Series, i.ID)
}

// Catalog holds all known variants.
type Catalog struct {
	variants []*Variant
}

type variantYAML struct {
	Series     string  `yaml:"series"`
	IDMin      uint32  `yaml:"id_min"`
	IDMax      uint32  `yaml:"id_max"`
	FlashSize  uint32  `yaml:"flash_size"`
	PageSize   uint32  `yaml:"page_size"`
	BootSize   *uint32 `yaml:"boot_size"`
	EmptyValue *uint8  `yaml:"empty_value"`
}

type catalogYAML struct {
	Defaults struct {
		EmptyValue *uint8  `yaml:"empty_value"`
		BootSize   *uint32 `yaml:"boot_size"`
	} `yaml:"defaults"`
	Chips []variantYAML `yaml:"chips"`
}

var (
	globalCatalog     *Catalog
	globalCatalogOnce sync.Once
	globalCatalogErr  error
)

// Load returns the embedded catalog. It is parsed on first use only.
func Load() (*Catalog, error) {
	globalCatalogOnce.Do(func() {
		globalCatalog, globalCatalogErr = Parse(chipsYAML)
	})
	return globalCatalog, globalCatalogErr
}

// Parse builds a catalog from YAML and validates it.
func Parse(data []byte) (*Catalog, error) {
	var raw catalogYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse chip catalog: %w", err)
	}

	empty := DefaultEmptyValue
	if raw.Defaults.EmptyValue != nil {
		empty = *raw.Defaults.EmptyValue
	}
	boot := DefaultBootSize
	if raw.Defaults.BootSize != nil {
		boot = *raw.Defaults.BootSize
	}

	c := &Catalog{}
	for _, r := range raw.Chips {
		v := &Variant{
			Series:     r.Series,
			IDMin:      r.IDMin,
			IDMax:      r.IDMax,
			FlashSize:  r.FlashSize,
			PageSize:   r.PageSize,
			BootSize:   boot,
			EmptyValue: empty,
		}
		if r.BootSize != nil {
			v.BootSize = *r.BootSize
		}
		if r.EmptyValue != nil {
			v.EmptyValue = *r.EmptyValue
		}
		if v.IDMin >= v.IDMax {
			return nil, fmt.Errorf("%s: empty ID range [0x%X, 0x%X)", v.Series, v.IDMin, v.IDMax)
		}
		if err := v.Validate(); err != nil {
			return nil, err
		}
		c.variants = append(c.variants, v)
	}

	sort.Slice(c.variants, func(i, j int) bool { return c.variants[i].IDMin < c.variants[j].IDMin })
	for i := 1; i < len(c.variants); i++ {
		prev, cur := c.variants[i-1], c.variants[i]
		if cur.IDMin < prev.IDMax {
			return nil, fmt.Errorf("ID ranges of %s and %s overlap", prev.Series, cur.Series)
		}
	}

	return c, nil
}

// Lookup finds the variant reporting id.
func (c *Catalog) Lookup(id uint32) (*Variant, bool) {
	i := sort.Search(len(c.variants), func(i int) bool {
		return c.variants[i].IDMax > id
	})
	if i < len(c.variants) && c.variants[i].Matches(id) {
		return c.variants[i], true
	}
	return nil, false
}

// Identify wraps Lookup into an Info.
func (c *Catalog) Identify(id uint32) Info {
	v, ok := c.Lookup(id)
	if !ok {
		return Info{ID: id}
	}
	return Info{ID: id, Variant: *v, Known: true}
}

// Series returns the first variant with the given series name.
func (c *Catalog) Series(name string) (*Variant, bool) {
	for _, v := range c.variants {
		if v.Series == name {
			return v, true
		}
	}
	return nil, false
}

// List returns all variants ordered by ID.
func (c *Catalog) List() []*Variant {
	return c.variants
}

// Count returns the number of catalog entries.
func (c *Catalog) Count() int {
	return len(c.variants)
}
