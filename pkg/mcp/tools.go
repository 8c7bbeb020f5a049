package mcp

import (
	"context"

	"github.com/goccy/go-json"
)

type cacheClearArgs struct {
	Pattern     string `json:"pattern"`
	ExpiredOnly bool   `json:"expired_only"`
}

type trendingArgs struct {
	Page int  `json:"page"`
	Bust bool `json:"bust"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"cinedex_cache_stats":    handleCacheStats,
	"cinedex_cache_clear":    handleCacheClear,
	"cinedex_cache_policies": handleCachePolicies,
	"cinedex_trending":       handleTrending,
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "cinedex_cache_stats",
		Description: "Show response cache statistics (entries, size, hits, misses, hit rate).",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "cinedex_cache_clear",
		Description: "Remove cached responses whose key contains a pattern, all of them, or only expired ones.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{
					"type":        "string",
					"description": "Substring of cache keys to remove (optional, omit to clear everything)",
				},
				"expired_only": map[string]any{
					"type":        "boolean",
					"description": "Only remove expired entries; pattern is ignored",
				},
			},
		},
	},
	{
		Name:        "cinedex_cache_policies",
		Description: "List the TTL policy table in match order.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "cinedex_trending",
		Description: "Fetch this week's trending movies, served from cache when fresh.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"page": map[string]any{
					"type":        "integer",
					"description": "Result page (optional, default 1)",
				},
				"bust": map[string]any{
					"type":        "boolean",
					"description": "Bypass the cache and refresh it from upstream",
				},
			},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func handleCacheStats(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.cache == nil {
		return textResult("Cache is not configured.")
	}
	return textResult(formatCacheStats(s.cache.Stats()))
}

func handleCacheClear(_ context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.cache == nil {
		return textResult("Cache is not configured.")
	}
	var args cacheClearArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return errorResult("Invalid arguments: " + err.Error())
		}
	}
	if args.ExpiredOnly {
		return textResult(formatCleared(s.cache.ClearExpired(), "expired"))
	}
	return textResult(formatCleared(s.cache.Clear(args.Pattern), args.Pattern))
}

func handleCachePolicies(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.policies == nil {
		return textResult("No cache policies configured.")
	}
	return textResult(formatPolicies(s.policies.Rules()))
}

func handleTrending(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.movies == nil {
		return textResult("Upstream is not configured.")
	}
	var args trendingArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return errorResult("Invalid arguments: " + err.Error())
		}
	}
	if args.Page < 1 {
		args.Page = 1
	}
	page, err := s.movies.Trending(ctx, args.Page, args.Bust)
	if err != nil {
		return errorResult("Error fetching trending movies: " + err.Error())
	}
	return textResult(formatMovies(page))
}
