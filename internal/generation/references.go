package generation

import "os"

// ImageKind identifies which illustration of a book is being rendered.
type ImageKind int

const (
	KindCover ImageKind = iota
	KindPage
	KindBackCover
)

// BuildReferences returns the ordered reference images for one illustration
// call. The cover is rendered from the user's inspiration photos alone; every
// page and the back cover additionally reference the finished cover, appended
// after the raw photos so the likeness is never superseded by a
// self-referential rendering. Omitting the cover reference measurably degrades
// character consistency across pages, so this ordering is a correctness
// requirement.
func BuildReferences(kind ImageKind, inspiration []string, coverPath string) []string {
	refs := make([]string, 0, len(inspiration)+1)
	refs = append(refs, inspiration...)
	if kind == KindCover {
		return refs
	}
	if coverPath != "" && fileExists(coverPath) {
		refs = append(refs, coverPath)
	}
	return refs
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
