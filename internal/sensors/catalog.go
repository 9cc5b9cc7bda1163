package sensors

import (
	"fmt"

	"github.com/banshee-data/slamfeed/internal/config"
)

// Catalog owns every declared sensor for the lifetime of a run.
type Catalog struct {
	ordered []*Sensor
	byName  map[string]*Sensor
}

// NewCatalog builds and validates every declared sensor. Names must be
// unique.
func NewCatalog(declared []config.SensorConfig) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]*Sensor, len(declared))}
	for _, d := range declared {
		kind, err := ParseKind(d.Kind)
		if err != nil {
			return nil, fmt.Errorf("sensor %q: %w", d.Name, err)
		}
		if _, dup := c.byName[d.Name]; dup {
			return nil, invalid(d.Name, "declared more than once")
		}
		s, err := BuildSensor(d.Name, kind, d.Params)
		if err != nil {
			return nil, err
		}
		c.ordered = append(c.ordered, s)
		c.byName[s.name] = s
	}
	return c, nil
}

// Sensors returns the declared sensors in declaration order.
func (c *Catalog) Sensors() []*Sensor {
	return append([]*Sensor(nil), c.ordered...)
}

// Get looks a sensor up by name.
func (c *Catalog) Get(name string) (*Sensor, bool) {
	s, ok := c.byName[name]
	return s, ok
}

// Resolve maps the experiment's sensor names to declared sensors. An empty
// list selects every declared sensor. Any undeclared name fails with
// ErrSensorSetMismatch.
func (c *Catalog) Resolve(configured []string) (map[string]*Sensor, error) {
	if len(configured) == 0 {
		out := make(map[string]*Sensor, len(c.ordered))
		for _, s := range c.ordered {
			out[s.name] = s
		}
		return out, nil
	}

	out := make(map[string]*Sensor, len(configured))
	var missing []string
	for _, name := range configured {
		s, ok := c.byName[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		out[name] = s
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %w: not declared: %q", config.ErrConfiguration, ErrSensorSetMismatch, missing)
	}
	return out, nil
}

// Ordered returns the resolved sensors in declaration order.
func (c *Catalog) Ordered(resolved map[string]*Sensor) []*Sensor {
	out := make([]*Sensor, 0, len(resolved))
	for _, s := range c.ordered {
		if _, ok := resolved[s.name]; ok {
			out = append(out, s)
		}
	}
	return out
}
