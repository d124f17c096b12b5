// Package pathutil decodes the Monitor's project-path slugs: the
// directory-name encoding the assistant uses under its projects root,
// where every "/" of the original path becomes "-".
package pathutil

import "strings"

// DecodeSlug recovers a project path from its directory-name encoding.
// A leading "-" (the encoded root separator) is always safe to restore.
// Any hyphen after that is
// ambiguous: it might be a restored "/" or a literal hyphen that was
// already part of a path segment, and there is no way to tell the two
// cases apart from the slug alone. Rather than stat-probe candidate paths
// on disk to disambiguate (which would mean touching filesystem paths
// derived from untrusted directory-name content), DecodeSlug only decodes
// when the slug carries no such ambiguity; otherwise it returns the slug
// unchanged.
func DecodeSlug(slug string) string {
	if slug == "" {
		return slug
	}

	rest := slug
	if strings.HasPrefix(rest, "-") {
		rest = rest[1:]
	}
	if strings.Contains(rest, "-") {
		return slug
	}

	return strings.ReplaceAll(slug, "-", "/")
}
