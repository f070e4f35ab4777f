package executor

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkgsolve/pkgsolve/internal/errs"
	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
)

// remove uninstalls target by reading its dist-info/RECORD and deleting
// every file it lists, then the dist-info directory itself — the
// teacher never implemented removal, so this is grounded directly on
// record.go's RECORD format (the writer side) rather than adapted from
// an existing uninstall path.
func (s *Service) remove(target pkgmodel.PackageID) error {
	distInfoDir, ok := findDistInfo(s.env.SitePackages, target.Name, target.Version.String())
	if !ok {
		return errs.New(errs.KindEnvironmentConflict, "executor.remove",
			fmt.Errorf("no dist-info directory found for %s", target))
	}

	recordPath := filepath.Join(distInfoDir, "RECORD")

	entries, err := readRecordEntries(recordPath)
	if err != nil {
		return errs.New(errs.KindEnvironmentConflict, "executor.remove", err)
	}

	for _, e := range entries {
		full := resolveRecordPath(distInfoDir, s.env.SitePackages, e.Path)

		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return errs.New(errs.KindEnvironmentConflict, "executor.remove", err)
		}
	}

	if err := os.RemoveAll(distInfoDir); err != nil {
		return errs.New(errs.KindEnvironmentConflict, "executor.remove", err)
	}

	return nil
}

// readRecordEntries parses a RECORD file's path/hash columns, skipping
// the self-entry (empty hash/size, per record.go's WriteRecord).
func readRecordEntries(recordPath string) ([]recordEntry, error) {
	f, err := os.Open(recordPath)
	if err != nil {
		return nil, fmt.Errorf("opening RECORD: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var entries []recordEntry

	for {
		row, err := r.Read()
		if err != nil {
			break
		}

		if len(row) == 0 || row[0] == "" {
			continue
		}

		if len(row) >= 3 && row[1] == "" && row[2] == "" {
			continue // RECORD's own self-entry
		}

		entries = append(entries, recordEntry{Path: row[0], Hash: row[1]})
	}

	return entries, nil
}

// resolveRecordPath reconstructs the absolute path a RECORD entry names.
// Every entry is relative to site-packages: installer.go computes
// ordinary entries via filepath.Rel(siteDir, ...), and entrypoints.go
// writes console scripts as "../../../bin/name", which from
// <prefix>/lib/pythonX.Y/site-packages leads to <prefix>/bin.
func resolveRecordPath(distInfoDir, siteDir, rel string) string {
	return filepath.Join(siteDir, rel)
}
