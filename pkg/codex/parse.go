package codex

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gansauditor/gansauditor/pkg/models"
)

// wireInline is one inline finding in the child's stdout document.
type wireInline struct {
	Path     string `json:"path"`
	Line     int    `json:"line"`
	Comment  string `json:"comment"`
	Severity string `json:"severity"`
}

// wireDocument is the analyzer's stdout contract. Additional fields are
// preserved by the decoder and ignored.
type wireDocument struct {
	Verdict    string         `json:"verdict"`
	Overall    *int           `json:"overall"`
	Dimensions map[string]int `json:"dimensions"`
	Review     struct {
		Inline  []wireInline `json:"inline"`
		Summary string       `json:"summary"`
	} `json:"review"`
	ProposedDiff string `json:"proposedDiff"`
}

// parseReview decodes the child's stdout into a Review. The document may be
// surrounded by diagnostic noise; only the outermost JSON object is read.
func parseReview(stdout []byte) (models.Review, error) {
	doc := extractObject(stdout)
	if doc == nil {
		return models.Review{}, fmt.Errorf("no JSON document on stdout (%d bytes)", len(stdout))
	}

	var wire wireDocument
	if err := json.Unmarshal(doc, &wire); err != nil {
		return models.Review{}, fmt.Errorf("decoding review document: %w", err)
	}

	verdict := models.Verdict(wire.Verdict)
	if !verdict.Valid() {
		return models.Review{}, fmt.Errorf("unrecognized verdict %q", wire.Verdict)
	}
	if wire.Overall == nil {
		return models.Review{}, fmt.Errorf("missing overall score")
	}
	overall := *wire.Overall
	if overall < 0 || overall > 100 {
		return models.Review{}, fmt.Errorf("overall score %d out of range", overall)
	}

	review := models.Review{
		Verdict:      verdict,
		OverallScore: overall,
		Dimensions:   make(map[string]int, len(models.DimensionKeys)),
		Summary:      wire.Review.Summary,
		ProposedDiff: wire.ProposedDiff,
	}

	// Every fixed dimension key is present on the way out; absent ones take
	// the overall score.
	for _, key := range models.DimensionKeys {
		if v, ok := wire.Dimensions[key]; ok {
			review.Dimensions[key] = v
		} else {
			review.Dimensions[key] = overall
		}
	}

	review.InlineComments = make([]models.InlineComment, 0, len(wire.Review.Inline))
	for _, c := range wire.Review.Inline {
		severity := models.Severity(c.Severity)
		if !severity.Valid() {
			severity = models.SeverityMinor
		}
		review.InlineComments = append(review.InlineComments, models.InlineComment{
			Path:     c.Path,
			Line:     c.Line,
			Comment:  c.Comment,
			Severity: severity,
		})
	}
	return review, nil
}

// extractObject returns the outermost {...} span of the buffer, or nil.
// The child may prefix the document with plain-text banners.
func extractObject(b []byte) []byte {
	start := bytes.IndexByte(b, '{')
	end := bytes.LastIndexByte(b, '}')
	if start < 0 || end <= start {
		return nil
	}
	return b[start : end+1]
}
