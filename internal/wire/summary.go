package wire

import (
	"slices"

	"github.com/roach88/weave/internal/ir"
)

func sortedOrigins(s ir.Summary) []string {
	origins := make([]string, 0, len(s))
	for origin := range s {
		origins = append(origins, origin)
	}
	slices.Sort(origins)
	return origins
}
