package batch

import (
	"fmt"
	"sort"

	"github.com/banshee-data/slamfeed/internal/config"
	"github.com/banshee-data/slamfeed/internal/sensors"
)

// Priority ranks sensors for elements that share a timestamp: the configured
// priority list first, then kind registration order, then sensor name.
type Priority struct {
	ranks map[string]int
	order []string
}

// NewPriority builds the ranking over known. Every name in priority must be
// a known sensor, listed once.
func NewPriority(priority []string, known []*sensors.Sensor) (*Priority, error) {
	byName := make(map[string]*sensors.Sensor, len(known))
	for _, s := range known {
		byName[s.Name()] = s
	}

	p := &Priority{ranks: make(map[string]int, len(known))}
	for _, name := range priority {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("%w: priority names undeclared sensor %q", config.ErrConfiguration, name)
		}
		if _, dup := p.ranks[name]; dup {
			return nil, fmt.Errorf("%w: sensor %q listed twice in priority", config.ErrConfiguration, name)
		}
		p.add(name)
	}

	rest := make([]*sensors.Sensor, 0, len(known))
	for _, s := range known {
		if _, ok := p.ranks[s.Name()]; !ok {
			rest = append(rest, s)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		if rest[i].Kind() != rest[j].Kind() {
			return rest[i].Kind().Rank() < rest[j].Kind().Rank()
		}
		return rest[i].Name() < rest[j].Name()
	})
	for _, s := range rest {
		p.add(s.Name())
	}
	return p, nil
}

func (p *Priority) add(name string) {
	p.ranks[name] = len(p.order)
	p.order = append(p.order, name)
}

// Rank implements element.Ranker. Sensors outside the ranking go last, in
// kind order.
func (p *Priority) Rank(s *sensors.Sensor) int {
	if s == nil {
		return len(p.order) + len(sensors.AllKinds())
	}
	if r, ok := p.ranks[s.Name()]; ok {
		return r
	}
	return len(p.order) + s.Kind().Rank()
}

// Order returns sensor names from highest to lowest priority.
func (p *Priority) Order() []string {
	return append([]string(nil), p.order...)
}
