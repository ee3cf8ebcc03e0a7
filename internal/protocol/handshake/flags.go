package handshake

import "strings"

// Flags are the distribution capability bits exchanged in name messages.
type Flags uint32

const (
	FlagPublished          Flags = 0x1
	FlagAtomCache          Flags = 0x2
	FlagExtendedReferences Flags = 0x4
	FlagDistMonitor        Flags = 0x8
	FlagFunTags            Flags = 0x10
	FlagDistMonitorName    Flags = 0x20
	FlagHiddenAtomCache    Flags = 0x40
	FlagNewFunTags         Flags = 0x80
	FlagExtendedPidsPorts  Flags = 0x100
	FlagExportPtrTag       Flags = 0x200
	FlagBitBinaries        Flags = 0x400
	FlagNewFloats          Flags = 0x800
	FlagUnicodeIO          Flags = 0x1000
	FlagDistHdrAtomCache   Flags = 0x2000
	FlagSmallAtomTags      Flags = 0x4000
)

// DefaultFlags advertises what the term and frame decoders understand.
const DefaultFlags = FlagExtendedReferences | FlagDistMonitor | FlagDistHdrAtomCache | FlagSmallAtomTags

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagPublished, "published"},
	{FlagAtomCache, "atom_cache"},
	{FlagExtendedReferences, "extended_references"},
	{FlagDistMonitor, "dist_monitor"},
	{FlagFunTags, "fun_tags"},
	{FlagDistMonitorName, "dist_monitor_name"},
	{FlagHiddenAtomCache, "hidden_atom_cache"},
	{FlagNewFunTags, "new_fun_tags"},
	{FlagExtendedPidsPorts, "extended_pids_ports"},
	{FlagExportPtrTag, "export_ptr_tag"},
	{FlagBitBinaries, "bit_binaries"},
	{FlagNewFloats, "new_floats"},
	{FlagUnicodeIO, "unicode_io"},
	{FlagDistHdrAtomCache, "dist_hdr_atom_cache"},
	{FlagSmallAtomTags, "small_atom_tags"},
}

func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

func (f Flags) String() string {
	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, "|")
}
