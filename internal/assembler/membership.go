package assembler

import "sort"

// Membership is the resolved image set of one category/split.
type Membership struct {
	// Stems are the images to assemble, in lexicographic order.
	Stems []string
	// MissingOnDisk lists manifest entries with no image file.
	MissingOnDisk []string
	// Excluded lists images on disk that the manifest leaves out.
	Excluded      []string
	ManifestFound bool
}

// ResolveMembership intersects a split manifest with the images available on
// disk. Without a manifest every available image belongs to the split. An
// existing but empty manifest yields an empty split.
func ResolveMembership(manifest []string, manifestFound bool, available map[string]string) Membership {
	m := Membership{
		Stems:         []string{},
		MissingOnDisk: []string{},
		Excluded:      []string{},
		ManifestFound: manifestFound,
	}
	if !manifestFound {
		for stem := range available {
			m.Stems = append(m.Stems, stem)
		}
		sort.Strings(m.Stems)
		return m
	}

	listed := make(map[string]bool, len(manifest))
	for _, stem := range manifest {
		listed[stem] = true
		if _, ok := available[stem]; ok {
			m.Stems = append(m.Stems, stem)
		} else {
			m.MissingOnDisk = append(m.MissingOnDisk, stem)
		}
	}
	for stem := range available {
		if !listed[stem] {
			m.Excluded = append(m.Excluded, stem)
		}
	}
	sort.Strings(m.Stems)
	sort.Strings(m.MissingOnDisk)
	sort.Strings(m.Excluded)
	return m
}
