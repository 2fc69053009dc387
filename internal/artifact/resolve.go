// Package artifact works out which output files an executed script produced.
package artifact

type Source string

const (
	SourceManifest   Source = "manifest"
	SourceSelfReport Source = "self-report"
	SourceDirDiff    Source = "dir-diff"
	SourceNone       Source = "none"
)

type Resolution struct {
	Files  []string
	Source Source
	// ManifestErr is set when a manifest existed but could not be decoded.
	ManifestErr error
}

// Resolve picks the artifact list for one run. The structured manifest is
// trusted first, then the printed self-report, then the directory diff. The
// self-report is taken at its word even if the named files do not exist.
// Producing nothing is a valid result, never an error.
func Resolve(output, manifestPath string, before, after Set) Resolution {
	var res Resolution

	files, ok, err := ReadManifest(manifestPath)
	res.ManifestErr = err
	if ok && len(files) > 0 {
		res.Files, res.Source = files, SourceManifest
		return res
	}

	if files, ok := ParseSelfReport(output); ok {
		res.Files, res.Source = files, SourceSelfReport
		return res
	}

	if diff := Diff(before, after); len(diff) > 0 {
		res.Files, res.Source = diff, SourceDirDiff
		return res
	}

	res.Files, res.Source = []string{}, SourceNone
	return res
}
