// Package catalog provides the immutable species->family and route->region
// reference lookups. The catalog is loaded once at startup from embedded
// YAML fixtures and never mutated; it has a lifetime independent of any run.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed data/*.yaml
var embeddedData embed.FS

var (
	ErrSpeciesNotFound = errors.New("catalog: species not found")
	ErrRouteNotFound   = errors.New("catalog: route not found")
)

// Species is one row of the species->family lookup.
type Species struct {
	ID       int    `yaml:"id"`
	Name     string `yaml:"name"`
	FamilyID int    `yaml:"family_id"`
}

// Route is one row of the route->region lookup.
type Route struct {
	ID     int    `yaml:"id"`
	Label  string `yaml:"label"`
	Region string `yaml:"region"`
}

// Catalog is the immutable, in-memory reference catalog.
type Catalog struct {
	species map[int]Species
	routes  map[int]Route
}

// Load reads the embedded species/routes fixtures into an immutable Catalog.
// Load is intended to run exactly once at process startup.
func Load() (*Catalog, error) {
	speciesBytes, err := embeddedData.ReadFile("data/species.yaml")
	if err != nil {
		return nil, fmt.Errorf("catalog: read species fixture: %w", err)
	}

	var speciesList []Species
	if err := yaml.Unmarshal(speciesBytes, &speciesList); err != nil {
		return nil, fmt.Errorf("catalog: parse species fixture: %w", err)
	}

	routesBytes, err := embeddedData.ReadFile("data/routes.yaml")
	if err != nil {
		return nil, fmt.Errorf("catalog: read routes fixture: %w", err)
	}

	var routesList []Route
	if err := yaml.Unmarshal(routesBytes, &routesList); err != nil {
		return nil, fmt.Errorf("catalog: parse routes fixture: %w", err)
	}

	c := &Catalog{
		species: make(map[int]Species, len(speciesList)),
		routes:  make(map[int]Route, len(routesList)),
	}

	for _, s := range speciesList {
		c.species[s.ID] = s
	}

	for _, r := range routesList {
		c.routes[r.ID] = r
	}

	return c, nil
}

// Seed upserts the catalog's species and route rows into the reference
// tables so projections and ad-hoc SQL can join against them. Idempotent;
// called once at startup after migrations run.
func (c *Catalog) Seed(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin seed transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const upsertSpecies = `
		INSERT INTO species (id, name, family_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, family_id = EXCLUDED.family_id
	`

	for _, s := range c.species {
		if _, err := tx.ExecContext(ctx, upsertSpecies, s.ID, s.Name, s.FamilyID); err != nil {
			return fmt.Errorf("catalog: seed species %d: %w", s.ID, err)
		}
	}

	const upsertRoute = `
		INSERT INTO routes (id, label, region)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET label = EXCLUDED.label, region = EXCLUDED.region
	`

	for _, r := range c.routes {
		if _, err := tx.ExecContext(ctx, upsertRoute, r.ID, r.Label, r.Region); err != nil {
			return fmt.Errorf("catalog: seed route %d: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// Species looks up a species by id.
func (c *Catalog) Species(id int) (Species, error) {
	s, ok := c.species[id]
	if !ok {
		return Species{}, fmt.Errorf("%w: %d", ErrSpeciesNotFound, id)
	}

	return s, nil
}

// Route looks up a route by id.
func (c *Catalog) Route(id int) (Route, error) {
	r, ok := c.routes[id]
	if !ok {
		return Route{}, fmt.Errorf("%w: %d", ErrRouteNotFound, id)
	}

	return r, nil
}

// FamilyOf returns the evolution family id for speciesID.
func (c *Catalog) FamilyOf(speciesID int) (int, error) {
	s, err := c.Species(speciesID)
	if err != nil {
		return 0, err
	}

	return s.FamilyID, nil
}
