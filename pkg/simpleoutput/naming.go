package simpleoutput

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"unicode"
)

// DefaultAllowedExtensions is the upload allow-list. ".zip" carries a folder
// (typically a DICOM series) submitted as a single archive.
var DefaultAllowedExtensions = []string{".h5", ".hdf5", ".dcm", ".dicom", ".nii", ".nii.gz", ".zip"}

// compoundExtensions are matched before path.Ext so "brain.nii.gz" keeps
// ".nii.gz" as its extension.
var compoundExtensions = []string{".nii.gz"}

var rootNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// ValidRootName reports whether name can address an output root.
func ValidRootName(name string) bool {
	return rootNamePattern.MatchString(name)
}

// SplitExt splits a file name into stem and lower-cased extension.
func SplitExt(name string) (stem, ext string) {
	lower := strings.ToLower(name)
	for _, compound := range compoundExtensions {
		if strings.HasSuffix(lower, compound) {
			return name[:len(name)-len(compound)], compound
		}
	}
	ext = path.Ext(name)
	return strings.TrimSuffix(name, ext), strings.ToLower(ext)
}

// SanitizeFileName reduces a client declared name to a bare file name.
// Directory components are dropped and control characters removed; the
// result is empty when nothing usable remains.
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	return strings.TrimSpace(name)
}

// storedNameCandidate returns the n-th collision-free candidate for a name:
// "data.h5", "data_1.h5", "data_2.h5", ...
func storedNameCandidate(stem, ext string, n int) string {
	if n == 0 {
		return stem + ext
	}
	return fmt.Sprintf("%s_%d%s", stem, n, ext)
}

// OutputDirName is the top level output directory published for a stored
// artifact, e.g. "scan.h5" -> "scan_output".
func OutputDirName(storedName string) string {
	stem, _ := SplitExt(storedName)
	return stem + "_output"
}

// StorageKey is the artifact store key for a stored name within a root.
func StorageKey(root, storedName string) string {
	return root + "/" + storedName
}
