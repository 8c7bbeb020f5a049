package mcp

import (
	"fmt"
	"strings"

	"github.com/cinedex/cinedex/pkg/models"
	"github.com/cinedex/cinedex/pkg/policy"
)

// formatCacheStats formats cache stats as text.
func formatCacheStats(stats models.CacheStats) string {
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:  %d\n"+
		"  Size:     %.2f KB\n"+
		"  Hits:     %d\n"+
		"  Misses:   %d\n"+
		"  Hit Rate: %.1f%%\n",
		stats.Entries, stats.SizeKB(), stats.Hits, stats.Misses, stats.HitRate())
}

func formatCleared(n int, pattern string) string {
	if pattern == "" {
		return fmt.Sprintf("Cleared %d cache entries.", n)
	}
	return fmt.Sprintf("Cleared %d cache entries matching %q.", n, pattern)
}

// formatPolicies formats the TTL table as a text table.
func formatPolicies(rules []policy.Rule) string {
	if len(rules) == 0 {
		return "No cache policies configured."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-28s %10s\n", "Match", "TTL")
	b.WriteString(strings.Repeat("-", 39) + "\n")
	for _, r := range rules {
		fmt.Fprintf(&b, "%-28s %10s\n", r.Match, r.TTL)
	}
	return b.String()
}

// formatMovies formats a listing page as a text table.
func formatMovies(page *models.MoviePage) string {
	if page == nil || len(page.Results) == 0 {
		return "No movies found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %-40s %-12s %6s\n", "ID", "Title", "Released", "Rating")
	b.WriteString(strings.Repeat("-", 71) + "\n")
	for _, m := range page.Results {
		title := m.Title
		if len(title) > 40 {
			title = title[:37] + "..."
		}
		fmt.Fprintf(&b, "%-10d %-40s %-12s %6.1f\n", m.ID, title, m.ReleaseDate, m.VoteAverage)
	}
	fmt.Fprintf(&b, "\nPage %d of %d\n", page.Page, page.TotalPages)
	return b.String()
}
