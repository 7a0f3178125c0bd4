package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ResultSet is the persisted domain result a DONE job references.
type ResultSet struct {
	ID             string         `json:"id"`
	CorrelationKey string         `json:"correlationKey"`
	Kind           JobKind        `json:"kind"`
	Summary        map[string]any `json:"summary"`
	ItemCount      int            `json:"itemCount"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// ResultItem is one finding: a paper, a section, a gap or a citation issue.
type ResultItem struct {
	CorrelationKey string          `json:"-"`
	ItemKey        string          `json:"key"`
	ItemType       string          `json:"type"`
	Position       int             `json:"position"`
	Payload        json.RawMessage `json:"payload"`
}

// DerivedSummary is computed on demand from a result set and stored once.
type DerivedSummary struct {
	CorrelationKey string         `json:"correlationKey"`
	Kind           JobKind        `json:"kind"`
	Counts         map[string]int `json:"counts"`
	Totals         map[string]any `json:"totals"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// ResultPayload is the kind-specific result carried by a response.
type ResultPayload interface {
	Kind() JobKind
	Items() ([]ResultItem, error)
	Summary() map[string]any
}

type Paper struct {
	ID       string   `json:"id,omitempty"`
	Title    string   `json:"title"`
	Authors  []string `json:"authors,omitempty"`
	Year     int      `json:"year,omitempty"`
	DOI      string   `json:"doi,omitempty"`
	URL      string   `json:"url,omitempty"`
	Abstract string   `json:"abstract,omitempty"`
	Source   string   `json:"source,omitempty"`
}

type SearchResult struct {
	Query  string  `json:"query,omitempty"`
	Papers []Paper `json:"papers"`
}

func (r SearchResult) Kind() JobKind { return JobKindSearch }

func (r SearchResult) Items() ([]ResultItem, error) {
	items := make([]ResultItem, 0, len(r.Papers))
	for i, p := range r.Papers {
		item, err := newItem("paper", p.ID, i, p)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (r SearchResult) Summary() map[string]any {
	sources := map[string]int{}
	for _, p := range r.Papers {
		if p.Source != "" {
			sources[p.Source]++
		}
	}
	return map[string]any{"paperCount": len(r.Papers), "query": r.Query, "sources": sources}
}

type Section struct {
	Heading string `json:"heading"`
	Text    string `json:"text"`
}

type ExtractedDocument struct {
	Title     string    `json:"title"`
	PageCount int       `json:"pageCount,omitempty"`
	Sections  []Section `json:"sections"`
}

type ExtractionResult struct {
	Document ExtractedDocument `json:"document"`
}

func (r ExtractionResult) Kind() JobKind { return JobKindExtraction }

func (r ExtractionResult) Items() ([]ResultItem, error) {
	items := make([]ResultItem, 0, len(r.Document.Sections))
	for i, s := range r.Document.Sections {
		item, err := newItem("section", fmt.Sprintf("section-%d", i), i, s)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (r ExtractionResult) Summary() map[string]any {
	words := 0
	for _, s := range r.Document.Sections {
		words += len(bytes.Fields([]byte(s.Text)))
	}
	return map[string]any{
		"title":        r.Document.Title,
		"pageCount":    r.Document.PageCount,
		"sectionCount": len(r.Document.Sections),
		"wordCount":    words,
	}
}

type Gap struct {
	ID            string   `json:"id,omitempty"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Confidence    float64  `json:"confidence,omitempty"`
	RelatedPapers []string `json:"relatedPapers,omitempty"`
}

type GapAnalysisResult struct {
	Gaps []Gap `json:"gaps"`
}

func (r GapAnalysisResult) Kind() JobKind { return JobKindGapAnalysis }

func (r GapAnalysisResult) Items() ([]ResultItem, error) {
	items := make([]ResultItem, 0, len(r.Gaps))
	for i, g := range r.Gaps {
		item, err := newItem("gap", g.ID, i, g)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (r GapAnalysisResult) Summary() map[string]any {
	high := 0
	for _, g := range r.Gaps {
		if g.Confidence >= 0.7 {
			high++
		}
	}
	return map[string]any{"gapCount": len(r.Gaps), "highConfidence": high}
}

type CitationIssue struct {
	ID          string `json:"id,omitempty"`
	CitationKey string `json:"citationKey"`
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
	Suggestion  string `json:"suggestion,omitempty"`
}

type CitationCheckResult struct {
	TotalCitations int             `json:"totalCitations"`
	Issues         []CitationIssue `json:"issues"`
}

func (r CitationCheckResult) Kind() JobKind { return JobKindCitationCheck }

func (r CitationCheckResult) Items() ([]ResultItem, error) {
	items := make([]ResultItem, 0, len(r.Issues))
	for i, is := range r.Issues {
		item, err := newItem("issue", is.ID, i, is)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (r CitationCheckResult) Summary() map[string]any {
	bySeverity := map[string]int{}
	for _, is := range r.Issues {
		bySeverity[is.Severity]++
	}
	return map[string]any{
		"totalCitations": r.TotalCitations,
		"issueCount":     len(r.Issues),
		"bySeverity":     bySeverity,
	}
}

// DecodeResult decodes raw into the result type for kind. A nil or empty
// raw yields an empty result rather than an error; workers may omit partial
// findings on progress messages.
func DecodeResult(kind JobKind, raw json.RawMessage) (ResultPayload, error) {
	empty := len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
	var (
		out ResultPayload
		err error
	)
	switch kind {
	case JobKindSearch:
		var r SearchResult
		if !empty {
			err = json.Unmarshal(raw, &r)
		}
		out = r
	case JobKindExtraction:
		var r ExtractionResult
		if !empty {
			err = json.Unmarshal(raw, &r)
		}
		out = r
	case JobKindGapAnalysis:
		var r GapAnalysisResult
		if !empty {
			err = json.Unmarshal(raw, &r)
		}
		out = r
	case JobKindCitationCheck:
		var r CitationCheckResult
		if !empty {
			err = json.Unmarshal(raw, &r)
		}
		out = r
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s result: %v", ErrMalformedResponse, kind, err)
	}
	return out, nil
}

func newItem(itemType, id string, pos int, v any) (ResultItem, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return ResultItem{}, fmt.Errorf("encode %s: %w", itemType, err)
	}
	key := id
	if key == "" {
		sum := sha256.Sum256(payload)
		key = hex.EncodeToString(sum[:])
	}
	return ResultItem{ItemKey: key, ItemType: itemType, Position: pos, Payload: payload}, nil
}

// DeriveSummary counts items by type and carries the result set's summary
// fields as totals.
func DeriveSummary(rs ResultSet, items []ResultItem, now time.Time) DerivedSummary {
	counts := map[string]int{"items": len(items)}
	for _, item := range items {
		counts[item.ItemType]++
	}
	totals := make(map[string]any, len(rs.Summary))
	for k, v := range rs.Summary {
		totals[k] = v
	}
	return DerivedSummary{
		CorrelationKey: rs.CorrelationKey,
		Kind:           rs.Kind,
		Counts:         counts,
		Totals:         totals,
		CreatedAt:      now,
	}
}
