// ABOUTME: Reply envelope for direct search queries on the search output queue
// ABOUTME: Summarizes the three best matches as text plus a trimmed result list

package search

import (
	"fmt"
	"strings"
)

// Formatting limits.
const (
	summaryResults   = 3
	summaryContent   = 200
	textContent      = 300
	errorValuePrefix = "Sorry, an error occurred while processing your query: "
)

// NoResultsText is the Value of a successful search that matched nothing.
const NoResultsText = "No relevant results were found for your query."

// Summary is one entry of Response.Results.
type Summary struct {
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Source  string  `json:"source"`
}

// Response is the message written to the search output queue.
type Response struct {
	Value         string    `json:"Value"`
	CorrelationID string    `json:"CorrelationId"`
	Success       bool      `json:"Success"`
	ResultCount   int       `json:"ResultCount"`
	Results       []Summary `json:"Results"`
	Error         string    `json:"Error,omitempty"`
}

// FormatResults builds the reply for a completed search.
func FormatResults(results []Result, correlationID string) Response {
	resp := Response{
		Value:         NoResultsText,
		CorrelationID: correlationID,
		Success:       true,
		ResultCount:   len(results),
		Results:       []Summary{},
	}
	if len(results) == 0 {
		return resp
	}

	resp.Value = summaryText(results)
	for _, r := range results[:min(summaryResults, len(results))] {
		resp.Results = append(resp.Results, Summary{
			Title:   r.Title,
			Content: truncate(r.Content, summaryContent),
			Score:   r.Score,
			Source:  r.Source,
		})
	}
	return resp
}

// FormatError builds the reply for a search that could not run.
func FormatError(message, correlationID string) Response {
	return Response{
		Value:         errorValuePrefix + message,
		CorrelationID: correlationID,
		Error:         message,
	}
}

func summaryText(results []Result) string {
	var b strings.Builder
	b.WriteString("Based on the information found in your documents:\n\n")
	for i, r := range results[:min(summaryResults, len(results))] {
		fmt.Fprintf(&b, "**%d. %s**\n", i+1, r.Title)
		fmt.Fprintf(&b, "%s\n", truncate(r.Content, textContent))
		fmt.Fprintf(&b, "*(Relevance: %.2f)*\n\n", r.Score)
	}
	if extra := len(results) - summaryResults; extra > 0 {
		fmt.Fprintf(&b, "*%d more results were found.*", extra)
	}
	return strings.TrimRight(b.String(), "\n")
}

// truncate cuts s to n runes and marks the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
