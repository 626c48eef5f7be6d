package arxiv

import (
	"fmt"
	"time"
)

// ModeKind identifies a search mode variant.
type ModeKind string

const (
	ModeLatest          ModeKind = "latest"
	ModeMostRelevant    ModeKind = "most_relevant"
	ModeRecentlyUpdated ModeKind = "recently_updated"
	ModeDateRange       ModeKind = "date_range"
	ModeAfterYear       ModeKind = "after_year"
)

// SearchMode is a closed tagged variant selecting how results are ordered
// and filtered. Range variants carry their year payloads; constructing a
// range mode without years is impossible through the exported constructors.
type SearchMode struct {
	kind      ModeKind
	startYear int
	endYear   int
	afterYear int
}

// Latest orders by submission date, newest first.
func Latest() SearchMode { return SearchMode{kind: ModeLatest} }

// MostRelevant orders by index relevance ranking.
func MostRelevant() SearchMode { return SearchMode{kind: ModeMostRelevant} }

// RecentlyUpdated orders by last-updated date, newest first.
func RecentlyUpdated() SearchMode { return SearchMode{kind: ModeRecentlyUpdated} }

// DateRange restricts results to papers submitted between startYear and
// endYear inclusive.
func DateRange(startYear, endYear int) (SearchMode, error) {
	if startYear <= 0 || endYear <= 0 {
		return SearchMode{}, fmt.Errorf("date_range mode requires start and end years")
	}
	if startYear > endYear {
		return SearchMode{}, fmt.Errorf("start year %d is after end year %d", startYear, endYear)
	}
	return SearchMode{kind: ModeDateRange, startYear: startYear, endYear: endYear}, nil
}

// AfterYear restricts results to papers submitted in or after the given year.
func AfterYear(year int) (SearchMode, error) {
	if year <= 0 {
		return SearchMode{}, fmt.Errorf("after_year mode requires a year")
	}
	return SearchMode{kind: ModeAfterYear, afterYear: year}, nil
}

// ParseMode re-hydrates a string-encoded mode plus its optional year payloads
// (as stored in task configs). Unknown kinds fall back to latest.
func ParseMode(kind string, startYear, endYear, afterYear int) (SearchMode, error) {
	switch ModeKind(kind) {
	case ModeLatest, "":
		return Latest(), nil
	case ModeMostRelevant:
		return MostRelevant(), nil
	case ModeRecentlyUpdated:
		return RecentlyUpdated(), nil
	case ModeDateRange:
		return DateRange(startYear, endYear)
	case ModeAfterYear:
		return AfterYear(afterYear)
	default:
		return Latest(), nil
	}
}

// Kind returns the variant tag.
func (m SearchMode) Kind() ModeKind {
	if m.kind == "" {
		return ModeLatest
	}
	return m.kind
}

// Years returns the year payloads (zero when not applicable).
func (m SearchMode) Years() (startYear, endYear, afterYear int) {
	return m.startYear, m.endYear, m.afterYear
}

// sortParams returns the index sortBy/sortOrder pair for this mode.
func (m SearchMode) sortParams() (sortBy, sortOrder string) {
	switch m.Kind() {
	case ModeMostRelevant:
		return "relevance", "descending"
	case ModeRecentlyUpdated:
		return "lastUpdatedDate", "descending"
	default:
		return "submittedDate", "descending"
	}
}

// applyDateClause appends the submittedDate range clause for range modes,
// using the index's documented query syntax.
func (m SearchMode) applyDateClause(query string, now time.Time) string {
	switch m.Kind() {
	case ModeDateRange:
		return fmt.Sprintf("%s AND submittedDate:[%d0101* TO %d1231*]", query, m.startYear, m.endYear)
	case ModeAfterYear:
		return fmt.Sprintf("%s AND submittedDate:[%d0101* TO %d1231*]", query, m.afterYear, now.Year())
	default:
		return query
	}
}
