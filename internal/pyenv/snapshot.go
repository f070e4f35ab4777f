package pyenv

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
	"github.com/pkgsolve/pkgsolve/internal/version"
)

// InstalledPackage is one distribution already present in a site-packages
// directory, as read from its *.dist-info/METADATA.
type InstalledPackage struct {
	Name      pkgmodel.Name
	Version   version.Version
	DistInfo  string // absolute path to the *.dist-info directory
}

// Snapshot reads every *.dist-info/METADATA under sitePackages and returns
// the installed distributions found, keyed implicitly by normalized name
// (the planner's diff step, spec §4.7 step 3).
func Snapshot(sitePackages string) ([]InstalledPackage, error) {
	entries, err := os.ReadDir(sitePackages)
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var out []InstalledPackage

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasSuffix(entry.Name(), ".dist-info") {
			continue
		}

		distInfo := filepath.Join(sitePackages, entry.Name())

		pkg, ok, err := readMetadata(distInfo)
		if err != nil {
			return nil, err
		}

		if ok {
			out = append(out, pkg)
		}
	}

	return out, nil
}

func readMetadata(distInfo string) (InstalledPackage, bool, error) {
	f, err := os.Open(filepath.Join(distInfo, "METADATA"))
	if os.IsNotExist(err) {
		return InstalledPackage{}, false, nil
	}

	if err != nil {
		return InstalledPackage{}, false, err
	}

	defer f.Close()

	var name, rawVersion string

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break // end of the RFC 822-ish header block
		}

		switch {
		case strings.HasPrefix(line, "Name:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "Name:"))
		case strings.HasPrefix(line, "Version:"):
			rawVersion = strings.TrimSpace(strings.TrimPrefix(line, "Version:"))
		}

		if name != "" && rawVersion != "" {
			break
		}
	}

	if err := sc.Err(); err != nil {
		return InstalledPackage{}, false, err
	}

	if name == "" || rawVersion == "" {
		return InstalledPackage{}, false, nil
	}

	v, err := version.Parse(rawVersion)
	if err != nil {
		return InstalledPackage{}, false, nil
	}

	return InstalledPackage{
		Name:     pkgmodel.NormalizeName(name),
		Version:  v,
		DistInfo: distInfo,
	}, true, nil
}
