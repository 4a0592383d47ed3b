// Package tenant loads the tenant catalog, resolves request hostnames to
// tenant profiles, and serves sanitized profile subsets to clients.
//
// The catalog is a YAML file holding the enterprise base profile, the tenant
// list, and the consumer-mode profile. Profiles are read-mostly: the loader
// validates everything at startup and keeps a copy-on-write cache that is
// swapped wholesale on an explicit refresh signal.
package tenant

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Auth method identifiers accepted in a profile's auth list.
const (
	AuthOIDCEnterprise = "oidc_enterprise"
	AuthOIDCConsumer   = "oidc_consumer"
	AuthPassword       = "password"
)

// Branding is the client-visible appearance block of a profile.
type Branding struct {
	LogoURL      string `yaml:"logo_url" json:"logo_url"`
	PrimaryColor string `yaml:"primary_color" json:"primary_color"`
	ThemeCSSURL  string `yaml:"theme_css_url,omitempty" json:"theme_css_url,omitempty"`
}

// IdP is the identity-provider block of a profile. Everything here is
// internal and never leaves the server.
type IdP struct {
	IssuerURL    string `yaml:"issuer_url" json:"issuer_url"`
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret"`
	JWKSURL      string `yaml:"jwks_url" json:"jwks_url"`
}

// Department pairs a slug with its display name.
type Department struct {
	Slug        string `yaml:"slug" json:"slug"`
	DisplayName string `yaml:"display_name" json:"display_name"`
}

// Profile is one tenant's full, server-side configuration after base merging.
type Profile struct {
	Slug        string `yaml:"slug" json:"slug"`
	UUID        string `yaml:"uuid" json:"uuid"`
	DisplayName string `yaml:"display_name" json:"display_name"`

	CustomDomain string `yaml:"custom_domain,omitempty" json:"custom_domain,omitempty"`
	Subdomain    string `yaml:"subdomain,omitempty" json:"subdomain,omitempty"`

	// AuthMethods is the enabled subset of the Auth* constants.
	AuthMethods []string `yaml:"auth_methods" json:"auth_methods"`

	// FeatureFlags are free-form capability tags.
	FeatureFlags []string `yaml:"feature_flags" json:"feature_flags"`

	Branding Branding `yaml:"branding" json:"branding"`

	Departments []Department `yaml:"departments" json:"departments"`

	// AutoProvision permits creating a user row on first successful login.
	AutoProvision bool `yaml:"auto_provision" json:"auto_provision"`

	// OwnedTables lists the storage tables provisioned for this tenant.
	// Internal; stripped by Sanitized.
	OwnedTables []string `yaml:"owned_tables" json:"owned_tables"`

	IdP IdP `yaml:"idp" json:"idp"`

	// Extra carries tenant-specific settings the core does not interpret.
	// Map-valued, so base merging recurses into it.
	Extra map[string]any `yaml:"extra,omitempty" json:"extra,omitempty"`

	// Consumer marks the consumer-mode profile. Exactly one per catalog.
	Consumer bool `yaml:"consumer,omitempty" json:"consumer,omitempty"`
}

// SanitizedProfile is the client-visible subset of a profile. It excludes the
// tenant UUID, owned tables, and all IdP material.
type SanitizedProfile struct {
	Slug         string       `json:"slug"`
	DisplayName  string       `json:"display_name"`
	AuthMethods  []string     `json:"auth_methods"`
	FeatureFlags []string     `json:"feature_flags"`
	Branding     Branding     `json:"branding"`
	Departments  []Department `json:"departments"`
	Consumer     bool         `json:"consumer"`
}

// Sanitized returns the client-visible subset of p.
func (p Profile) Sanitized() SanitizedProfile {
	return SanitizedProfile{
		Slug:         p.Slug,
		DisplayName:  p.DisplayName,
		AuthMethods:  slices.Clone(p.AuthMethods),
		FeatureFlags: slices.Clone(p.FeatureFlags),
		Branding:     p.Branding,
		Departments:  slices.Clone(p.Departments),
		Consumer:     p.Consumer,
	}
}

// HasFeature reports whether tag is enabled for the tenant.
func (p Profile) HasFeature(tag string) bool {
	return slices.Contains(p.FeatureFlags, tag)
}

// DepartmentSlugs returns the tenant's department slugs in catalog order.
func (p Profile) DepartmentSlugs() []string {
	out := make([]string, len(p.Departments))
	for i, d := range p.Departments {
		out[i] = d.Slug
	}
	return out
}

// Validate checks the invariants every loaded profile must satisfy.
func (p Profile) Validate() error {
	var errs []error
	if p.Slug == "" {
		errs = append(errs, errors.New("profile slug must not be empty"))
	}
	if !p.Consumer && p.UUID == "" {
		errs = append(errs, fmt.Errorf("profile %q: uuid must not be empty", p.Slug))
	}
	for _, m := range p.AuthMethods {
		switch m {
		case AuthOIDCEnterprise, AuthOIDCConsumer, AuthPassword:
		default:
			errs = append(errs, fmt.Errorf("profile %q: unknown auth method %q", p.Slug, m))
		}
	}
	seen := map[string]struct{}{}
	for _, d := range p.Departments {
		if d.Slug == "" {
			errs = append(errs, fmt.Errorf("profile %q: department with empty slug", p.Slug))
			continue
		}
		if _, dup := seen[d.Slug]; dup {
			errs = append(errs, fmt.Errorf("profile %q: duplicate department %q", p.Slug, d.Slug))
		}
		seen[d.Slug] = struct{}{}
	}
	return errors.Join(errs...)
}

// mergeOver returns p layered over base: map-valued fields merge recursively,
// scalar and array fields are replaced by p when p sets them.
func (p Profile) mergeOver(base Profile) Profile {
	out := base
	out.Slug = p.Slug
	out.UUID = p.UUID
	out.Consumer = p.Consumer

	if p.DisplayName != "" {
		out.DisplayName = p.DisplayName
	}
	if p.CustomDomain != "" {
		out.CustomDomain = p.CustomDomain
	}
	if p.Subdomain != "" {
		out.Subdomain = p.Subdomain
	}
	if p.AuthMethods != nil {
		out.AuthMethods = slices.Clone(p.AuthMethods)
	}
	if p.FeatureFlags != nil {
		out.FeatureFlags = slices.Clone(p.FeatureFlags)
	}
	if p.Departments != nil {
		out.Departments = slices.Clone(p.Departments)
	}
	if p.OwnedTables != nil {
		out.OwnedTables = slices.Clone(p.OwnedTables)
	}
	out.AutoProvision = p.AutoProvision || base.AutoProvision

	if p.Branding.LogoURL != "" {
		out.Branding.LogoURL = p.Branding.LogoURL
	}
	if p.Branding.PrimaryColor != "" {
		out.Branding.PrimaryColor = p.Branding.PrimaryColor
	}
	if p.Branding.ThemeCSSURL != "" {
		out.Branding.ThemeCSSURL = p.Branding.ThemeCSSURL
	}

	if p.IdP.IssuerURL != "" {
		out.IdP.IssuerURL = p.IdP.IssuerURL
	}
	if p.IdP.ClientID != "" {
		out.IdP.ClientID = p.IdP.ClientID
	}
	if p.IdP.ClientSecret != "" {
		out.IdP.ClientSecret = p.IdP.ClientSecret
	}
	if p.IdP.JWKSURL != "" {
		out.IdP.JWKSURL = p.IdP.JWKSURL
	}

	out.Extra = mergeMaps(base.Extra, p.Extra)
	return out
}

// mergeMaps deep-merges override into base without mutating either. Nested
// maps merge recursively; any other value type is replaced.
func mergeMaps(base, override map[string]any) map[string]any {
	if base == nil && override == nil {
		return nil
	}
	out := maps.Clone(base)
	if out == nil {
		out = map[string]any{}
	}
	for k, v := range override {
		if subOverride, ok := v.(map[string]any); ok {
			if subBase, ok := out[k].(map[string]any); ok {
				out[k] = mergeMaps(subBase, subOverride)
				continue
			}
		}
		out[k] = v
	}
	return out
}
