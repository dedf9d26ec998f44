package metadata

import (
	"strings"
)

// Object file name prefixes marking the compartment a crate belongs to
const (
	KernelPrefix        = "k#"
	ApplicationPrefix   = "a#"
	StateTransferPrefix = "ksld#"
)

// CrateNameFromFile splits an object file name (without directory) into the
// crate's compartment and its canonical name: the prefix and the trailing
// ".o" are stripped. A file without a recognized prefix is treated as a
// kernel crate.
func CrateNameFromFile(fileName string) (CrateType, string) {
	name := strings.TrimSuffix(fileName, ".o")
	switch {
	case strings.HasPrefix(name, StateTransferPrefix):
		return StateTransferCrate, strings.TrimPrefix(name, StateTransferPrefix)
	case strings.HasPrefix(name, ApplicationPrefix):
		return ApplicationCrate, strings.TrimPrefix(name, ApplicationPrefix)
	case strings.HasPrefix(name, KernelPrefix):
		return KernelCrate, strings.TrimPrefix(name, KernelPrefix)
	default:
		return KernelCrate, name
	}
}

// NameWithoutHash strips the trailing "-<hash>" suffix that disambiguates
// identically named symbols across crate versions. The suffix is only
// stripped when everything after the last dash is hexadecimal; names without
// a hash are returned unchanged.
func NameWithoutHash(name string) string {
	idx := strings.LastIndexByte(name, '-')
	if idx < 0 || idx == len(name)-1 {
		return name
	}
	for _, c := range name[idx+1:] {
		if !isHexDigit(c) {
			return name
		}
	}
	return name[:idx]
}

// ContainingCrateName extracts the crate-name fragment of a fully qualified
// symbol: everything before the first "::" in the demangled name (with any
// hash suffix removed first). Load-on-demand uses this to find the object
// file that should define a missing symbol.
func ContainingCrateName(symbol string) string {
	name := NameWithoutHash(symbol)
	if idx := strings.Index(name, "::"); idx >= 0 {
		return name[:idx]
	}
	return name
}

// DemangledName rewrites the mangled path fragments the compiler leaves in
// section and symbol names into their readable form: ".." becomes "::" and
// the common "$...$" escapes are substituted. Names that are already
// readable pass through unchanged.
func DemangledName(mangled string) string {
	if !strings.ContainsAny(mangled, "$.") {
		return mangled
	}
	s := mangled
	s = strings.ReplaceAll(s, "..", "::")
	for mangledToken, replacement := range mangleSubstitutions {
		s = strings.ReplaceAll(s, mangledToken, replacement)
	}
	return s
}

var mangleSubstitutions = map[string]string{
	"$SP$":   "@",
	"$BP$":   "*",
	"$RF$":   "&",
	"$LT$":   "<",
	"$GT$":   ">",
	"$LP$":   "(",
	"$RP$":   ")",
	"$C$":    ",",
	"$u20$":  " ",
	"$u27$":  "'",
	"$u5b$":  "[",
	"$u5d$":  "]",
	"$u7b$":  "{",
	"$u7d$":  "}",
	"$u7e$":  "~",
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
