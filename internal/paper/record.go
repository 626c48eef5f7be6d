// Package paper defines the in-memory record threaded through the gather
// pipeline. One Record is created per index entry and mutated in place by the
// orchestrator; heavy buffers are owned by exactly one Record and released
// via Cleanup at pipeline end.
package paper

// Record carries per-paper state across pipeline stages.
type Record struct {
	// Bibliographic fields, populated by the index client.
	PaperID       string `json:"paper_id"`
	Title         string `json:"title"`
	Abstract      string `json:"abstract"`
	Categories    string `json:"categories"`
	Authors       string `json:"authors"`
	PublishedDate string `json:"published_date"`
	PDFURL        string `json:"pdf_url"`
	SearchQuery   string `json:"search_query,omitempty"`

	// Heavy buffers. Present only between the stages that produce and
	// consume them; nulled by Cleanup to bound peak memory.
	PDFBytes  []byte            `json:"-"`
	OCRText   string            `json:"-"`
	OCRImages map[string][]byte `json:"-"`

	// Scoring slots.
	AbstractIsRelevant    bool    `json:"abstract_is_relevant"`
	AbstractScore         float64 `json:"abstract_score"`
	AbstractJustification string  `json:"abstract_justification,omitempty"`
	FullIsRelevant        bool    `json:"full_is_relevant"`
	FullScore             float64 `json:"full_score"`
	FullJustification     string  `json:"full_justification,omitempty"`
	FinalIsRelevant       bool    `json:"final_is_relevant"`
	FinalScore            float64 `json:"final_score"`

	// Stage flags, set only by the orchestrator.
	Persisted    bool `json:"persisted"`
	FullAnalyzed bool `json:"full_analyzed"`
	DeepAnalyzed bool `json:"deep_analyzed"`
	DeepSuccess  bool `json:"deep_success"`

	// DeepReport holds the finalized deep-analysis markdown (footer
	// included) until persistence; released by Cleanup.
	DeepReport string `json:"-"`
}

// Cleanup releases all large optional fields. Bibliographic and scoring
// fields survive so the run summary can still be built.
func (r *Record) Cleanup() {
	r.PDFBytes = nil
	r.OCRText = ""
	r.OCRImages = nil
	r.DeepReport = ""
}

// HasHeavyBuffers reports whether any large optional field is still held.
func (r *Record) HasHeavyBuffers() bool {
	return len(r.PDFBytes) > 0 || r.OCRText != "" || len(r.OCRImages) > 0 || r.DeepReport != ""
}
