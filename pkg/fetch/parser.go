package fetch

import (
	"bytes"
	"errors"
	"strconv"

	"github.com/mmcdole/gofeed"

	"github.com/feedvault/feedvault/pkg/domain"
)

// Parser turns raw feed bytes into a structured document. It handles the
// RSS/Atom/JSON-feed family via gofeed and classifies failures as malformed
// versus unsupported so the orchestrator can decide about retrying.
type Parser struct{}

// NewParser creates a new feed parser
func NewParser() *Parser {
	return &Parser{}
}

// Parse parses a raw feed document. An undetectable format yields a
// ParseError with Unsupported set; anything else that fails is treated as
// malformed and may self-correct on a later fetch.
func (p *Parser) Parse(feedURL string, body []byte) (*domain.ParsedFeed, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &domain.ParseError{
			URL:         feedURL,
			Unsupported: errors.Is(err, gofeed.ErrFeedTypeNotDetected),
			Err:         err,
		}
	}

	result := &domain.ParsedFeed{
		Title:       parsed.Title,
		Link:        parsed.Link,
		Description: parsed.Description,
		Entries:     make([]domain.ParsedEntry, 0, len(parsed.Items)),
	}

	for _, item := range parsed.Items {
		entry := domain.ParsedEntry{
			GUID:      item.GUID,
			Title:     item.Title,
			Link:      item.Link,
			Summary:   item.Description,
			Published: item.PublishedParsed,
			Updated:   item.UpdatedParsed,
		}

		if item.Author != nil {
			entry.Author = item.Author.Name
		}

		if item.Content != "" {
			entry.Content = []domain.Content{{Type: "html", Value: item.Content}}
		}

		for _, enc := range item.Enclosures {
			if enc == nil || enc.URL == "" {
				continue
			}
			length, _ := strconv.ParseInt(enc.Length, 10, 64)
			entry.Enclosures = append(entry.Enclosures, domain.Enclosure{
				URL:    enc.URL,
				Type:   enc.Type,
				Length: length,
			})
		}

		result.Entries = append(result.Entries, entry)
	}

	return result, nil
}
