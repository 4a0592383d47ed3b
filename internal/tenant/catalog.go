package tenant

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog is the parsed tenant configuration file.
type Catalog struct {
	// ConsumerHost is the reserved hostname that always resolves to the
	// consumer profile (e.g. "app.helixdesk.io").
	ConsumerHost string `yaml:"consumer_host"`

	// ConsumerRoot is the shared root under which tenant subdomains live
	// (e.g. "helixdesk.io" serves "<sub>.helixdesk.io").
	ConsumerRoot string `yaml:"consumer_root"`

	// Base is the enterprise profile every tenant inherits from.
	Base Profile `yaml:"base"`

	// Tenants are the enterprise tenants, each merged over Base at load time.
	Tenants []Profile `yaml:"tenants"`

	// Consumer is the consumer-mode profile. It does not inherit from Base.
	Consumer Profile `yaml:"consumer"`
}

// LoadCatalog parses and validates the catalog file at path. Unknown YAML
// keys are rejected so typos fail loudly at startup instead of silently
// misconfiguring a tenant.
func LoadCatalog(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tenant catalog: open %s: %w", path, err)
	}
	defer f.Close()
	return ParseCatalog(f)
}

// ParseCatalog parses and validates a catalog from r.
func ParseCatalog(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cat Catalog
	if err := dec.Decode(&cat); err != nil {
		return nil, fmt.Errorf("tenant catalog: parse: %w", err)
	}

	for i := range cat.Tenants {
		cat.Tenants[i] = cat.Tenants[i].mergeOver(cat.Base)
	}
	cat.Consumer.Consumer = true

	if err := cat.validate(); err != nil {
		return nil, fmt.Errorf("tenant catalog: %w", err)
	}
	return &cat, nil
}

func (c *Catalog) validate() error {
	var errs []error
	if c.ConsumerHost == "" {
		errs = append(errs, errors.New("consumer_host must not be empty"))
	}
	if c.ConsumerRoot == "" {
		errs = append(errs, errors.New("consumer_root must not be empty"))
	}
	if err := c.Consumer.Validate(); err != nil {
		errs = append(errs, err)
	}

	slugs := map[string]struct{}{}
	subdomains := map[string]struct{}{}
	domains := map[string]struct{}{}
	for _, t := range c.Tenants {
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
		}
		if _, dup := slugs[t.Slug]; dup {
			errs = append(errs, fmt.Errorf("duplicate tenant slug %q", t.Slug))
		}
		slugs[t.Slug] = struct{}{}
		if t.Subdomain != "" {
			if _, dup := subdomains[t.Subdomain]; dup {
				errs = append(errs, fmt.Errorf("duplicate subdomain %q", t.Subdomain))
			}
			subdomains[t.Subdomain] = struct{}{}
		}
		if t.CustomDomain != "" {
			if _, dup := domains[t.CustomDomain]; dup {
				errs = append(errs, fmt.Errorf("duplicate custom domain %q", t.CustomDomain))
			}
			domains[t.CustomDomain] = struct{}{}
		}
	}
	return errors.Join(errs...)
}

// BySlug returns the tenant with the given slug. The consumer profile is
// addressable by its own slug as well.
func (c *Catalog) BySlug(slug string) (Profile, bool) {
	if slug == c.Consumer.Slug {
		return c.Consumer, true
	}
	for _, t := range c.Tenants {
		if t.Slug == slug {
			return t, true
		}
	}
	return Profile{}, false
}

// resolve maps a request hostname to a profile. Rules, in order: the reserved
// consumer host; a subdomain of the consumer root; a tenant custom domain;
// otherwise the consumer profile.
func (c *Catalog) resolve(host string) Profile {
	host = normalizeHost(host)

	if host == c.ConsumerHost {
		return c.Consumer
	}

	if sub, ok := strings.CutSuffix(host, "."+c.ConsumerRoot); ok && !strings.Contains(sub, ".") {
		for _, t := range c.Tenants {
			if t.Subdomain == sub {
				return t
			}
		}
		return c.Consumer
	}

	for _, t := range c.Tenants {
		if t.CustomDomain == host {
			return t
		}
	}
	return c.Consumer
}

// normalizeHost lowercases host and strips any port suffix.
func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.TrimSuffix(host, ".")
}
