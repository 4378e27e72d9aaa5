// Package language normalizes the language codes found in stream tags and
// tree configuration so ISO 639-1, ISO 639-2 (both B and T forms), IETF tags,
// and English names compare equal.
package language
