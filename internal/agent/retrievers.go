package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/kailas-cloud/therapist/internal/domain"
)

// WebRetriever joins the content of every web result with "\n".
func WebRetriever(ws WebSearcher) Retriever {
	return RetrieverFunc(func(ctx context.Context, query string) (string, error) {
		results, err := ws.Invoke(ctx, query)
		if err != nil {
			return "", err
		}
		parts := make([]string, 0, len(results))
		for i, r := range results {
			content, ok := r.Content()
			if !ok {
				return "", fmt.Errorf("%w: result %d has no string content", domain.ErrWebRetrievalFailed, i)
			}
			parts = append(parts, content)
		}
		return strings.Join(parts, "\n"), nil
	})
}

// VectorRetriever delegates to the index reader.
func VectorRetriever(vs VectorSearcher) Retriever {
	return RetrieverFunc(vs.SearchString)
}
