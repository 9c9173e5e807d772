package domain

import "encoding/json"

// Placeholders substituted for a source whose retrieval failed.
const (
	WebUnavailable    = "Web search unavailable"
	VectorUnavailable = "Vector search unavailable"
)

// ContextSeparator sits between the web and vector parts of the combined context.
const ContextSeparator = "\n\n"

// ContextInfo is the fused result of one context-gathering request.
// The combined context is always derived, never stored.
type ContextInfo struct {
	Query         string
	WebContext    string
	VectorContext string
}

// NewContextInfo builds a ContextInfo from the two retrieval outputs.
func NewContextInfo(query, web, vector string) ContextInfo {
	return ContextInfo{Query: query, WebContext: web, VectorContext: vector}
}

// CombinedContext returns web + "\n\n" + vector.
func (c ContextInfo) CombinedContext() string {
	return c.WebContext + ContextSeparator + c.VectorContext
}

// WebFailed reports whether the web part is the failure placeholder.
func (c ContextInfo) WebFailed() bool { return c.WebContext == WebUnavailable }

// VectorFailed reports whether the vector part is the failure placeholder.
func (c ContextInfo) VectorFailed() bool { return c.VectorContext == VectorUnavailable }

type contextInfoJSON struct {
	Query           string `json:"query"`
	WebContext      string `json:"web_context"`
	VectorContext   string `json:"vector_context"`
	CombinedContext string `json:"combined_context"`
}

// MarshalJSON emits all four fields, the combined one computed on the fly.
func (c ContextInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(contextInfoJSON{
		Query:           c.Query,
		WebContext:      c.WebContext,
		VectorContext:   c.VectorContext,
		CombinedContext: c.CombinedContext(),
	})
}

// UnmarshalJSON ignores combined_context; it is recomputed from the parts.
func (c *ContextInfo) UnmarshalJSON(data []byte) error {
	var v contextInfoJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*c = ContextInfo{Query: v.Query, WebContext: v.WebContext, VectorContext: v.VectorContext}
	return nil
}
