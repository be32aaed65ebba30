// Package config implements the decoder configuration object from
// spec.md §6: buffer bounds, CPU identification, the errata bitset, and
// the optional decode callback, plus a TOML-backed FileConfig for the
// CLI (the programmatic Config cannot round-trip through a file because
// it carries a buffer slice and callback closures).
package config

import (
	"os"

	toml "github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"ptdecode/packet"
	"ptdecode/query"
)

// CPUID identifies the CPU that produced the trace, per spec.md §6.
type CPUID struct {
	Vendor   string
	Family   int
	Model    int
	Stepping int
}

// Config is the programmatic configuration object passed into a
// decoder: buffer bounds, CPU id, the errata bitset, and an optional
// (decode_callback, context) pair.
type Config struct {
	Buffer   []byte
	CPU      CPUID
	Errata   query.Errata
	Callback packet.DecodeCallback
	CtxArg   interface{}
}

// DetermineErrata derives a conservative default errata set from a CPU
// identifier, per spec.md §6's determine_errata(cpu) contract. Ranges
// are taken from the family/model/stepping tables libipt ships for
// known-affected steppings, abstracted to family/model bands rather
// than one hardcoded CPU.
func DetermineErrata(cpu CPUID) query.Errata {
	if cpu.Vendor != "GenuineIntel" {
		return 0
	}
	var e query.Errata
	switch {
	case cpu.Family == 6 && cpu.Model >= 0x4E && cpu.Model <= 0x5E:
		// Skylake/Kaby Lake client band: both BDM70/BDM64-class PSB+ and
		// TSX-abort target erratum workarounds apply.
		e |= query.ErrataBDM70 | query.ErrataBDM64
	case cpu.Family == 6 && cpu.Model >= 0x3C && cpu.Model <= 0x47:
		// Haswell/Broadwell band: the original BDM-numbered errata.
		e |= query.ErrataBDM70 | query.ErrataBDM64
	}
	return e
}

// FileConfig is the TOML-tagged on-disk form of the defaults a CLI
// loads before building a programmatic Config: CPU identity, default
// log level, and errata overrides.
type FileConfig struct {
	CPUVendor   string `toml:"cpu_vendor"`
	CPUFamily   int    `toml:"cpu_family"`
	CPUModel    int    `toml:"cpu_model"`
	CPUStepping int    `toml:"cpu_stepping"`

	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`

	ForceBDM70 bool `toml:"force_errata_bdm70"`
	ForceBDM64 bool `toml:"force_errata_bdm64"`
}

// Load reads a TOML file into a FileConfig. Fields the file omits keep
// their zero value, except LogLevel, which defaults to "info". An empty
// path or a missing file is not an error; Load then returns the default
// FileConfig (only LogLevel set, to "info").
func Load(path string) (FileConfig, error) {
	fc := FileConfig{LogLevel: "info"}
	if path == "" {
		return fc, nil
	}
	tree, err := toml.LoadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fc, nil
		}
		return fc, errors.Wrapf(err, "load config file %q", path)
	}
	if err := tree.Unmarshal(&fc); err != nil {
		return fc, errors.Wrapf(err, "unmarshal config file %q", path)
	}
	if fc.LogLevel == "" {
		fc.LogLevel = "info"
	}
	return fc, nil
}

// Save writes fc to path as TOML.
func Save(path string, fc FileConfig) error {
	data, err := toml.Marshal(fc)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	return os.WriteFile(path, data, 0o644)
}

// CPUID converts the file config's CPU fields into a CPUID.
func (fc FileConfig) CPUID() CPUID {
	return CPUID{Vendor: fc.CPUVendor, Family: fc.CPUFamily, Model: fc.CPUModel, Stepping: fc.CPUStepping}
}

// Errata resolves the effective errata set: DetermineErrata(cpu) with
// any file-forced bits OR'd in.
func (fc FileConfig) Errata() query.Errata {
	e := DetermineErrata(fc.CPUID())
	if fc.ForceBDM70 {
		e |= query.ErrataBDM70
	}
	if fc.ForceBDM64 {
		e |= query.ErrataBDM64
	}
	return e
}
