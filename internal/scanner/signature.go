package scanner

import "regexp"

// Signature is one row of the fixed signature table C8 scans against.
// At least one of NameRE, PathRE, Hash must be set; a file matches a
// signature if any set field matches.
type Signature struct {
	Name        string
	NameRE      *regexp.Regexp
	PathRE      *regexp.Regexp
	Hash        string // exact sha256 hex match
	ThreatLevel float32
}

// suspiciousNameMarkers are the origin-cleanup "suspicious" predicate
// substrings from spec.md §4.8b, all lowercase; isSuspiciousName
// lowercases the basename before checking, so matching ignores case.
var suspiciousNameMarkers = []string{
	"solrz", "e386", "payload.so", "next", "miner", "xmrig", "ccminer",
	"cpuminer", "malware", "trojan", "virus",
}

// Match reports whether path/basename/hash satisfies sig.
func (sig Signature) Match(path, basename, hash string) bool {
	if sig.Hash != "" && sig.Hash == hash {
		return true
	}
	if sig.NameRE != nil && sig.NameRE.MatchString(basename) {
		return true
	}
	if sig.PathRE != nil && sig.PathRE.MatchString(path) {
		return true
	}
	return false
}

// MustCompile builds a Signature from optional regex source strings;
// a pattern that fails to compile panics, so a broken built-in table
// is fatal at startup (spec.md §7 kind 6) rather than a swallowed
// regexp.Compile error.
func MustCompile(name, nameRE, pathRE, hash string, threatLevel float32) Signature {
	sig := Signature{Name: name, Hash: hash, ThreatLevel: threatLevel}
	if nameRE != "" {
		sig.NameRE = regexp.MustCompile(nameRE)
	}
	if pathRE != "" {
		sig.PathRE = regexp.MustCompile(pathRE)
	}
	return sig
}

// DefaultSignatures is a small built-in table covering the common
// cases spec.md's scenarios exercise (S6's "next" disguise, xmrig-style
// miners). The table is fixed at build time: no configuration option
// adds signatures to it (spec.md §1 "consumes a fixed signature table").
func DefaultSignatures() []Signature {
	return []Signature{
		MustCompile("disguised-next-binary", `^next$`, `/\.local/share/`, "", 0.9),
		MustCompile("xmrig-family", `(?i)xmrig|ccminer|cpuminer`, "", "", 0.95),
		MustCompile("generic-payload", `(?i)payload\.so|solrz|e386`, "", "", 0.85),
	}
}
