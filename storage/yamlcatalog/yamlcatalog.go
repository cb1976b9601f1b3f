// Package yamlcatalog provides a file-backed quotagate.PlanCatalog and
// quotagate.UserDirectory, for deployments where plans live in configuration
// rather than a database.
package yamlcatalog

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

// File is the on-disk document layout.
//
//	plans:
//	  - id: pro
//	    credits_per_month: 1000
//	    requests_per_minute: 60
//	    requests_per_hour: 1000
//	    requests_per_day: 5000
//	    concurrent_requests: 4
//	users:
//	  - id: user-123
//	    plan: pro
type File struct {
	Plans []PlanEntry `yaml:"plans"`
	Users []UserEntry `yaml:"users"`
}

// PlanEntry is one plan in the file
type PlanEntry struct {
	ID                 string `yaml:"id"`
	CreditsPerMonth    int    `yaml:"credits_per_month"`
	RequestsPerMinute  int    `yaml:"requests_per_minute"`
	RequestsPerHour    int    `yaml:"requests_per_hour"`
	RequestsPerDay     int    `yaml:"requests_per_day,omitempty"`
	ConcurrentRequests int    `yaml:"concurrent_requests"`
}

// UserEntry is one user in the file
type UserEntry struct {
	ID   string `yaml:"id"`
	Plan string `yaml:"plan"`
}

// Catalog serves plans and users parsed from YAML. Reload swaps the whole
// snapshot so readers never observe a partially loaded file.
type Catalog struct {
	path string

	mu    sync.RWMutex
	plans map[string]quotagate.Plan
	users map[string]quotagate.User
}

// Load reads and validates the file at path
func Load(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse builds a catalog from YAML bytes. Reload is a no-op on the result.
func Parse(data []byte) (*Catalog, error) {
	c := &Catalog{}
	if err := c.apply(data); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the backing file. On error the previous snapshot is kept.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read catalog %s: %w", c.path, err)
	}
	return c.apply(data)
}

func (c *Catalog) apply(data []byte) error {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse catalog: %w", err)
	}
	plans, users, err := f.index()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.plans = plans
	c.users = users
	c.mu.Unlock()
	return nil
}

func (f *File) index() (map[string]quotagate.Plan, map[string]quotagate.User, error) {
	plans := make(map[string]quotagate.Plan, len(f.Plans))
	for i, p := range f.Plans {
		if p.ID == "" {
			return nil, nil, fmt.Errorf("plan #%d: missing id", i)
		}
		if _, dup := plans[p.ID]; dup {
			return nil, nil, fmt.Errorf("plan %q: duplicate id", p.ID)
		}
		if p.CreditsPerMonth < 0 || p.RequestsPerMinute < 0 || p.RequestsPerHour < 0 ||
			p.RequestsPerDay < 0 || p.ConcurrentRequests < 0 {
			return nil, nil, fmt.Errorf("plan %q: limits must not be negative", p.ID)
		}
		plans[p.ID] = quotagate.Plan{
			ID:                 p.ID,
			CreditsPerMonth:    p.CreditsPerMonth,
			RequestsPerMinute:  p.RequestsPerMinute,
			RequestsPerHour:    p.RequestsPerHour,
			RequestsPerDay:     p.RequestsPerDay,
			ConcurrentRequests: p.ConcurrentRequests,
		}
	}

	users := make(map[string]quotagate.User, len(f.Users))
	for i, u := range f.Users {
		if u.ID == "" {
			return nil, nil, fmt.Errorf("user #%d: missing id", i)
		}
		if _, dup := users[u.ID]; dup {
			return nil, nil, fmt.Errorf("user %q: duplicate id", u.ID)
		}
		// A user may reference a plan defined elsewhere; the resolver
		// falls back to defaults when it is missing.
		users[u.ID] = quotagate.User{ID: u.ID, PlanID: u.Plan}
	}
	return plans, users, nil
}

// FindPlan implements quotagate.PlanCatalog
func (c *Catalog) FindPlan(_ context.Context, planID string) (*quotagate.Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.plans[planID]
	if !ok {
		return nil, quotagate.ErrPlanNotFound
	}
	return &p, nil
}

// FindUser implements quotagate.UserDirectory
func (c *Catalog) FindUser(_ context.Context, userID string) (*quotagate.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	u, ok := c.users[userID]
	if !ok {
		return nil, quotagate.ErrUserNotFound
	}
	return &u, nil
}

// Plans returns the ids of all loaded plans
func (c *Catalog) Plans() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.plans))
	for id := range c.plans {
		ids = append(ids, id)
	}
	return ids
}

var (
	_ quotagate.PlanCatalog   = (*Catalog)(nil)
	_ quotagate.UserDirectory = (*Catalog)(nil)
)
