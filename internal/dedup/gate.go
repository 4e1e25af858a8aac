// Package dedup classifies extracted articles against what storage already holds.
package dedup

import (
	"strings"

	"github.com/destaquesgovbr/govbr-news-scraper/internal/scraper"
)

// Gate implements scraper.Classifier. The zero value is ready to use.
type Gate struct{}

var _ scraper.Classifier = Gate{}

// Classify returns ClassNew when the fingerprint is unknown, ClassUnchanged when
// the stored hash matches and ClassChanged otherwise.
func (Gate) Classify(candidate scraper.NewsItem, index scraper.FingerprintIndex) scraper.Classification {
	return Classify(candidate, index)
}

// Classify is the stateless form of Gate.Classify.
func Classify(candidate scraper.NewsItem, index scraper.FingerprintIndex) scraper.Classification {
	stored, ok := index[candidate.UniqueID]
	if !ok {
		return scraper.ClassNew
	}
	if strings.EqualFold(stored, candidate.ContentHash) {
		return scraper.ClassUnchanged
	}
	return scraper.ClassChanged
}
