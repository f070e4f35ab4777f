package provider

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
)

// Tag is one PEP 425 wheel compatibility tag (python-abi-platform).
type Tag struct {
	Python   string
	ABI      string
	Platform string
}

// CompatTags returns the priority-ordered list of wheel tags a given
// target environment can install, most-specific first. Ported from
// cmd/pipg/main.go's buildCompatTags/expandPlatform/wheelPlatform, which
// previously lived inline in the CLI entrypoint; the resolver's §4.5
// wheel-tag tie-breaking and the executor's distribution selection both
// need it, so it now lives where both can import it.
func CompatTags(pythonVersionNoDot, platformTag string) []Tag {
	platform := wheelPlatform(platformTag)
	cp := "cp" + pythonVersionNoDot
	pyMajor := "py" + pythonVersionNoDot[:1]

	var tags []Tag

	platforms := expandPlatform(platform)

	for _, plat := range platforms {
		tags = append(tags, Tag{Python: cp, ABI: cp, Platform: plat})
	}

	for _, plat := range platforms {
		tags = append(tags, Tag{Python: cp, ABI: "abi3", Platform: plat})
	}

	for _, plat := range platforms {
		tags = append(tags, Tag{Python: cp, ABI: "none", Platform: plat})
	}

	for _, plat := range platforms {
		tags = append(tags, Tag{Python: pyMajor, ABI: "none", Platform: plat})
	}

	tags = append(tags, Tag{Python: cp, ABI: "none", Platform: "any"})
	tags = append(tags, Tag{Python: pyMajor, ABI: "none", Platform: "any"})

	return tags
}

func expandPlatform(platform string) []string {
	platforms := []string{platform}

	if strings.HasPrefix(platform, "linux_") {
		arch := strings.TrimPrefix(platform, "linux_")

		for _, ml := range []string{
			"manylinux_2_35", "manylinux_2_34", "manylinux_2_31",
			"manylinux_2_28", "manylinux_2_17", "manylinux2014",
		} {
			platforms = append(platforms, ml+"_"+arch)
		}
	}

	if strings.HasPrefix(platform, "macosx_") {
		parts := strings.SplitN(platform, "_", 4)
		if len(parts) == 4 {
			arch := parts[3]
			major, _ := strconv.Atoi(parts[1])

			platforms = append(platforms, fmt.Sprintf("macosx_%s_%s_universal2", parts[1], parts[2]))

			minMajor := 10
			if arch == "arm64" {
				minMajor = 11
			}

			for v := major - 1; v >= minMajor; v-- {
				minor := "0"
				if v == 10 {
					minor = "9"
				}

				platforms = append(platforms,
					fmt.Sprintf("macosx_%d_%s_%s", v, minor, arch),
					fmt.Sprintf("macosx_%d_%s_universal2", v, minor),
				)
			}
		}
	}

	return platforms
}

func wheelPlatform(sysTag string) string {
	s := strings.ReplaceAll(sysTag, "-", "_")
	return strings.ReplaceAll(s, ".", "_")
}

// SelectDistribution returns the highest-priority distribution from dists
// compatible with tags (ordered most-specific first), or false if none
// matches. Wheels are preferred over sdists; among wheels, the one whose
// tag appears earliest in tags wins.
func SelectDistribution(dists []pkgmodel.Distribution, tags []Tag) (pkgmodel.Distribution, bool) {
	rank := make(map[Tag]int, len(tags))
	for i, t := range tags {
		rank[t] = i
	}

	best := -1
	var bestDist pkgmodel.Distribution
	haveWheel := false

	for _, d := range dists {
		if !d.IsWheel {
			continue
		}

		t := Tag{Python: d.PythonTag, ABI: d.ABITag, Platform: d.PlatformTag}
		if r, ok := rank[t]; ok {
			if !haveWheel || r < best {
				best = r
				bestDist = d
				haveWheel = true
			}
		}
	}

	if haveWheel {
		return bestDist, true
	}

	// Fall back to an sdist, if any (the executor's build-isolation path
	// handles building it).
	for _, d := range dists {
		if !d.IsWheel {
			return d, true
		}
	}

	return pkgmodel.Distribution{}, false
}

// SortVersionsDescending is a small helper used by providers that return
// metadata in arbitrary order; the resolver always re-sorts but callers
// that print diagnostics (e.g. "no compatible wheel among: ...") want a
// deterministic order.
func SortVersionsDescending(metas []pkgmodel.PackageMetadata) {
	sort.Slice(metas, func(i, j int) bool {
		return metas[j].ID.Version.Less(metas[i].ID.Version)
	})
}
