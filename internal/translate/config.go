package translate

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Layout selects whether target keys carry the global "_model._model." prefix.
type Layout string

const (
	// LayoutAuto resolves to LayoutPathed.
	LayoutAuto Layout = ""
	// LayoutLegacy prefixes every key with "_model._model.", for runtimes that
	// load the state dict into the outer wrapper module.
	LayoutLegacy Layout = "legacy"
	// LayoutPathed emits keys relative to the model, for runtimes whose config
	// already points at the inner module.
	LayoutPathed Layout = "pathed"
)

// ParseLayout accepts "legacy", "pathed" or the empty string (auto),
// ignoring case and surrounding space.
func ParseLayout(s string) (Layout, error) {
	switch l := Layout(strings.ToLower(strings.TrimSpace(s))); l {
	case LayoutAuto, LayoutLegacy, LayoutPathed:
		return l, nil
	default:
		return "", fmt.Errorf("unknown layout %q (want legacy or pathed)", s)
	}
}

// Config fixes the output schema of one translation.
type Config struct {
	// GroupSize > 0 selects group quantization; <= 0 means per-channel.
	GroupSize int
	// TrueQuant targets runtimes that wrap every RMSNorm in a
	// quantization-aware module, nesting its weight under "_RMSnorm".
	TrueQuant bool
	// FuseLMHead moves the final norm into the lm-head sub-hierarchy.
	FuseLMHead bool
	Layout     Layout
}

func (c Config) GroupQuant() bool { return c.GroupSize > 0 }

func (c Config) String() string {
	return fmt.Sprintf("{group_size=%d true_quant=%t fuse_lm_head=%t layout=%s}",
		c.GroupSize, c.TrueQuant, c.FuseLMHead, c.layoutName())
}

func (c Config) layoutName() string {
	if c.Layout == LayoutAuto {
		return "auto"
	}
	return string(c.Layout)
}

// Resolve fills in LayoutAuto and rejects combinations with no rule set.
func (c Config) Resolve() (Config, error) {
	switch c.Layout {
	case LayoutAuto:
		c.Layout = LayoutPathed
	case LayoutLegacy:
		if c.TrueQuant || c.FuseLMHead {
			return Config{}, &ModeError{Config: c, Reason: "legacy layout only supports plain exports"}
		}
	case LayoutPathed:
	default:
		return Config{}, &ModeError{Config: c, Reason: fmt.Sprintf("unknown layout %q", c.Layout)}
	}
	return c, nil
}

// Prefix is prepended to every target key.
func (c Config) Prefix() string {
	if c.Layout == LayoutLegacy {
		return legacyPrefix
	}
	return ""
}

// Metadata describes the export in the target container header.
func (c Config) Metadata() map[string]string {
	return map[string]string{
		"format":              "pt",
		"liteml.group_size":   strconv.Itoa(c.GroupSize),
		"liteml.true_quant":   strconv.FormatBool(c.TrueQuant),
		"liteml.fuse_lm_head": strconv.FormatBool(c.FuseLMHead),
		"liteml.layout":       c.layoutName(),
	}
}

// variants are the historical exporter flavours, by name.
var variants = map[string]Config{
	"legacy":          {Layout: LayoutLegacy},
	"pathed":          {Layout: LayoutPathed},
	"truequant":       {TrueQuant: true, Layout: LayoutPathed},
	"fused":           {FuseLMHead: true, Layout: LayoutPathed},
	"truequant-fused": {TrueQuant: true, FuseLMHead: true, Layout: LayoutPathed},
}

// Variant returns the preset named name with the given group size.
func Variant(name string, groupSize int) (Config, error) {
	c, ok := variants[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Config{}, fmt.Errorf("%w: unknown variant %q (want one of %s)",
			ErrUnsupportedMode, name, strings.Join(Variants(), ", "))
	}
	c.GroupSize = groupSize
	return c, nil
}

// Variants lists the preset names in sorted order.
func Variants() []string {
	names := make([]string, 0, len(variants))
	for n := range variants {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
