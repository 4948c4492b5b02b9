// Package identity derives stable entry keys and content fingerprints
// from parsed entries. Both functions are pure and deterministic so the
// same logical entry maps to the same key across fetches and restarts.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"github.com/feedvault/feedvault/pkg/domain"
)

// Key returns the stable identity of a parsed entry, scoped to its feed.
// Priority: explicit id, normalized permalink, hash of title and first
// content block. Never fails; an entry with no usable fields still gets
// a deterministic (if degenerate) key.
func Key(e domain.ParsedEntry) string {
	if guid := strings.TrimSpace(e.GUID); guid != "" {
		return guid
	}
	if link := NormalizeLink(e.Link); link != "" {
		return link
	}
	first := ""
	if len(e.Content) > 0 {
		first = e.Content[0].Value
	}
	h := sha256.New()
	h.Write([]byte(normalizeText(e.Title)))
	h.Write([]byte{0})
	h.Write([]byte(normalizeText(first)))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// NormalizeLink canonicalizes a permalink: scheme and host lowercased,
// default ports and trailing slash stripped, fragment removed.
// Returns "" for empty or unparseable links so callers fall through
// to hash-based identity.
func NormalizeLink(link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String()
}

// Fingerprint hashes the substantive fields of a parsed entry in a fixed
// order: title, summary, content bodies, timestamps, enclosure URLs.
// Whitespace is normalized and timestamps are rendered as UTC RFC3339 so
// cosmetic re-serialization of the source document does not change the hash.
func Fingerprint(e domain.ParsedEntry) string {
	h := sha256.New()
	sep := []byte{0}

	h.Write([]byte(normalizeText(e.Title)))
	h.Write(sep)
	h.Write([]byte(normalizeText(e.Summary)))
	h.Write(sep)
	for _, c := range e.Content {
		h.Write([]byte(c.Type))
		h.Write(sep)
		h.Write([]byte(normalizeText(c.Value)))
		h.Write(sep)
	}
	h.Write([]byte(normalizeTime(e.Published)))
	h.Write(sep)
	h.Write([]byte(normalizeTime(e.Updated)))
	h.Write(sep)
	for _, enc := range e.Enclosures {
		h.Write([]byte(enc.URL))
		h.Write(sep)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeText collapses runs of whitespace to single spaces and trims
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func normalizeTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
