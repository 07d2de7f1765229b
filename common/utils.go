package common

import (
	"strings"
)

var (
	apiSetPrefixes  = []string{"api-ms-win-", "ext-ms-"}
	knownSystemDLLs = []string{
		"kernel32.dll", "kernelbase.dll", "ntdll.dll", "user32.dll", "gdi32.dll",
		"advapi32.dll", "shell32.dll", "ole32.dll", "oleaut32.dll", "ws2_32.dll",
		"msvcrt.dll", "comctl32.dll", "comdlg32.dll", "crypt32.dll", "winhttp.dll",
	}
)

// MatchesPattern checks if a string matches any of the given exact names or prefixes
func MatchesPattern(target string, exactNames, prefixNames []string) bool {
	for _, name := range exactNames {
		if name != "" && target == name {
			return true
		}
	}
	for _, prefix := range prefixNames {
		if prefix != "" && strings.HasPrefix(target, prefix) {
			return true
		}
	}
	return false
}

// IsAPISetDLL reports whether name is an API set contract rather than a
// file on disk.
func IsAPISetDLL(name string) bool {
	return MatchesPattern(strings.ToLower(name), nil, apiSetPrefixes)
}

// IsSystemDLL reports whether name is a well-known Windows system library
// or an API set.
func IsSystemDLL(name string) bool {
	lower := strings.ToLower(name)
	return MatchesPattern(lower, knownSystemDLLs, apiSetPrefixes)
}
