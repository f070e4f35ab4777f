package lock

import (
	"bytes"
	"fmt"

	goversion "github.com/aquasecurity/go-version/pkg/version"
	"github.com/pelletier/go-toml/v2"
)

// Encode serializes doc to its canonical TOML form.
func Encode(doc Document) ([]byte, error) {
	var buf bytes.Buffer

	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)

	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("lock: encoding document: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode parses a lock document from TOML bytes.
func Decode(data []byte) (Document, error) {
	var doc Document

	if err := toml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("lock: decoding document: %w", err)
	}

	return doc, nil
}

// GateThresholdString is the minimum metadata.lock-version for which an
// install may trust locked markers instead of re-resolving (spec §4.6's
// lock-version gating; the original Poetry lock schema uses the same
// "below this, re-resolve unconditionally" policy).
const GateThresholdString = "2.0"

// TrustLockedMarkers reports whether an install against doc may skip
// re-resolution and evaluate doc's locked markers directly, per spec
// §4.6: lock-version >= GateThresholdString and the caller hasn't forced
// a re-resolve.
func TrustLockedMarkers(doc Document, forceReresolve bool) (bool, error) {
	if forceReresolve {
		return false, nil
	}

	v, err := goversion.Parse(doc.Metadata.LockVersion)
	if err != nil {
		return false, fmt.Errorf("lock: invalid metadata.lock-version %q: %w", doc.Metadata.LockVersion, err)
	}

	threshold, err := goversion.Parse(GateThresholdString)
	if err != nil {
		return false, fmt.Errorf("lock: invalid gate threshold %q: %w", GateThresholdString, err)
	}

	return v.Compare(threshold) >= 0, nil
}
