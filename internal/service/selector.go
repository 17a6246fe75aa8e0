package service

import (
	"errors"
	"sort"

	"github.com/wenwu/saas-platform/fleet-service/internal/models"
)

var ErrNoCapacity = errors.New("no server with free capacity")

// RankServers returns the eligible servers of pool, least loaded first and
// ties broken by ascending id. An empty class matches every server.
func RankServers(pool []*models.Server, class string) []*models.Server {
	ranked := make([]*models.Server, 0, len(pool))
	for _, s := range pool {
		if s == nil || !s.Eligible() {
			continue
		}
		if class != "" && s.CapacityClass != class {
			continue
		}
		ranked = append(ranked, s)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].CurrentUsers != ranked[j].CurrentUsers {
			return ranked[i].CurrentUsers < ranked[j].CurrentUsers
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked
}

// SelectServer picks the least loaded eligible server.
func SelectServer(pool []*models.Server, class string) (*models.Server, error) {
	ranked := RankServers(pool, class)
	if len(ranked) == 0 {
		return nil, ErrNoCapacity
	}
	return ranked[0], nil
}
