package game

import (
	"fmt"
	"sort"

	"github.com/watthour/gridmarket/internal/domain"
)

func sortedIdentities(g *domain.GameRecord) []string {
	ids := make([]string, 0, len(g.Players))
	for identity := range g.Players {
		ids = append(ids, identity)
	}
	sort.Strings(ids)
	return ids
}

func generatorID(seq int) string {
	return fmt.Sprintf("gen-%03d", seq)
}
