package domain

// Passage is a chunk of source text stored alongside one vector of the index.
type Passage struct {
	VectorID uint32  `json:"vector_id"`
	Text     string  `json:"text"`
	SourceID string  `json:"source_id"`
	Page     int     `json:"page"`
	Score    float64 `json:"-"`
}
