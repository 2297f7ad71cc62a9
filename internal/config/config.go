// Package config layers the simulator's cache/hub/eTLB dimensions: built-in
// defaults, an optional YAML overlay, then CLI flags, in that precedence
// order. The merged result is validated once, before any simulator object is
// constructed, so a bad dimension surfaces as a plain error instead of a
// panic deep inside memcache/hub/etlb.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"cachesim/internal/simerr"
)

// CacheConfig is the subset of memcache.Params that can be overridden by a
// YAML block.
type CacheConfig struct {
	Size          int     `yaml:"size"`
	Associativity int     `yaml:"associativity"`
	CacheLine     int     `yaml:"cacheLine"`
	TagTime       uint64  `yaml:"tagTime"`
	AccessTime    uint64  `yaml:"accessTime"`
	TagEnergy     float64 `yaml:"tagEnergy"`
	AccessEnergy  float64 `yaml:"accessEnergy"`
}

// DirectoryConfig is the subset of hub.Params/etlb.Params that can be
// overridden by a YAML block (both the Hub and the eTLB are sized the same
// way: nLines/associativity/pageSize).
type DirectoryConfig struct {
	NLines        int `yaml:"nLines"`
	Associativity int `yaml:"associativity"`
	PageSize      int `yaml:"pageSize"`
}

// TlbConfig holds the placeholder translator's dimensions. The drivers do
// not read it: etlb.New sizes its Tlb from the eTLB's own entry count and
// derives the width from the eTLB's tag and set bits.
type TlbConfig struct {
	NEntries int `yaml:"nEntries"`
	Bits     int `yaml:"bits"`
}

// Config is the fully merged, validated configuration handed to the CLI
// drivers. Two L2 timing blocks exist because the baseline Cache driver and
// the eTLB driver's Hub use slightly different L2 timings, per §6.
type Config struct {
	L1           CacheConfig     `yaml:"l1"`
	L2           CacheConfig     `yaml:"l2"`
	L2Baseline   CacheConfig     `yaml:"l2Baseline"`
	Hub          DirectoryConfig `yaml:"hub"`
	Etlb         DirectoryConfig `yaml:"etlb"`
	Tlb          TlbConfig       `yaml:"tlb"`
}

// Defaults returns the configured defaults from §6, required for regression
// parity against prior runs.
func Defaults() Config {
	return Config{
		L1: CacheConfig{
			Size: 32 * 1024, Associativity: 8, CacheLine: 64,
			TagTime: 1, AccessTime: 4,
			TagEnergy: 0.000539962, AccessEnergy: 0.0111033,
		},
		L2: CacheConfig{
			Size: 1024 * 1024, Associativity: 16, CacheLine: 64,
			TagTime: 3, AccessTime: 7,
			TagEnergy: 0.00221937, AccessEnergy: 0.136191,
		},
		L2Baseline: CacheConfig{
			Size: 1024 * 1024, Associativity: 16, CacheLine: 64,
			TagTime: 3, AccessTime: 8,
			TagEnergy: 0.00538836, AccessEnergy: 0.137789,
		},
		Hub:  DirectoryConfig{NLines: 4096, Associativity: 8, PageSize: 4096},
		Etlb: DirectoryConfig{NLines: 64, Associativity: 8, PageSize: 4096},
		Tlb:  TlbConfig{NEntries: 512, Bits: 0}, // Bits is derived at wiring time from tagBits+setBits
	}
}

// LoadOverlay reads an optional YAML file at path and merges it over base,
// field by field within each named block (l1/l2/l2Baseline/hub/etlb/tlb), so
// a file that only sets e.g. `l1: {associativity: 4}` leaves every other
// field at its built-in default. An empty path is a no-op.
func LoadOverlay(base Config, path string) (Config, error) {
	if path == "" {
		return base, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config: reading overlay %q", path)
	}

	var overlay struct {
		L1         map[string]interface{} `yaml:"l1"`
		L2         map[string]interface{} `yaml:"l2"`
		L2Baseline map[string]interface{} `yaml:"l2Baseline"`
		Hub        map[string]interface{} `yaml:"hub"`
		Etlb       map[string]interface{} `yaml:"etlb"`
		Tlb        map[string]interface{} `yaml:"tlb"`
	}
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return Config{}, errors.Wrapf(err, "config: parsing overlay %q", path)
	}

	merged := base
	mergeCache(&merged.L1, overlay.L1)
	mergeCache(&merged.L2, overlay.L2)
	mergeCache(&merged.L2Baseline, overlay.L2Baseline)
	mergeDirectory(&merged.Hub, overlay.Hub)
	mergeDirectory(&merged.Etlb, overlay.Etlb)
	mergeTlb(&merged.Tlb, overlay.Tlb)
	return merged, nil
}

func mergeCache(c *CacheConfig, fields map[string]interface{}) {
	if v, ok := intField(fields, "size"); ok {
		c.Size = v
	}
	if v, ok := intField(fields, "associativity"); ok {
		c.Associativity = v
	}
	if v, ok := intField(fields, "cacheLine"); ok {
		c.CacheLine = v
	}
	if v, ok := intField(fields, "tagTime"); ok {
		c.TagTime = uint64(v)
	}
	if v, ok := intField(fields, "accessTime"); ok {
		c.AccessTime = uint64(v)
	}
	if v, ok := floatField(fields, "tagEnergy"); ok {
		c.TagEnergy = v
	}
	if v, ok := floatField(fields, "accessEnergy"); ok {
		c.AccessEnergy = v
	}
}

func mergeDirectory(d *DirectoryConfig, fields map[string]interface{}) {
	if v, ok := intField(fields, "nLines"); ok {
		d.NLines = v
	}
	if v, ok := intField(fields, "associativity"); ok {
		d.Associativity = v
	}
	if v, ok := intField(fields, "pageSize"); ok {
		d.PageSize = v
	}
}

func mergeTlb(t *TlbConfig, fields map[string]interface{}) {
	if v, ok := intField(fields, "nEntries"); ok {
		t.NEntries = v
	}
	if v, ok := intField(fields, "bits"); ok {
		t.Bits = v
	}
}

func intField(fields map[string]interface{}, key string) (int, bool) {
	v, ok := fields[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func floatField(fields map[string]interface{}, key string) (float64, bool) {
	v, ok := fields[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// Validate checks the power-of-two/divisibility constraints memcache.New,
// hub.New and etlb.New would otherwise each reject independently, so the CLI
// can report *simerr.InvalidConfig once, before constructing anything.
func (c Config) Validate() error {
	for _, cc := range []struct {
		name string
		cfg  CacheConfig
	}{{"l1", c.L1}, {"l2", c.L2}, {"l2Baseline", c.L2Baseline}} {
		if err := validatePowerOfTwo(cc.name, "cacheLine", cc.cfg.CacheLine); err != nil {
			return err
		}
		if err := validatePowerOfTwo(cc.name, "associativity", cc.cfg.Associativity); err != nil {
			return err
		}
		if cc.cfg.Size%(cc.cfg.Associativity*cc.cfg.CacheLine) != 0 {
			return errors.WithStack(&simerr.InvalidConfig{Component: cc.name, Reason: "size must divide evenly into associativity*cacheLine lines"})
		}
	}
	for _, dc := range []struct {
		name string
		cfg  DirectoryConfig
	}{{"hub", c.Hub}, {"etlb", c.Etlb}} {
		if err := validatePowerOfTwo(dc.name, "pageSize", dc.cfg.PageSize); err != nil {
			return err
		}
		if err := validatePowerOfTwo(dc.name, "associativity", dc.cfg.Associativity); err != nil {
			return err
		}
		if dc.cfg.NLines%dc.cfg.Associativity != 0 {
			return errors.WithStack(&simerr.InvalidConfig{Component: dc.name, Reason: "nLines must divide evenly by associativity"})
		}
	}
	return nil
}

func validatePowerOfTwo(component, field string, n int) error {
	if n <= 0 || n&(n-1) != 0 {
		return errors.WithStack(&simerr.InvalidConfig{Component: component, Reason: field + " must be a power of two"})
	}
	return nil
}
