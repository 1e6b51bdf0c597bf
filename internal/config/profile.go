package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
)

// ConfigurationError covers profile resolution and validation failures:
// missing fields, unknown profile names, circular inheritance. It is
// always fatal to startup or to the request that needed the profile.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return e.Reason }

func configErrorf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// varPattern matches ${VAR} placeholders in profile string fields.
var varPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// expand substitutes ${VAR} placeholders with process environment values.
// Unresolved variables expand to the empty string rather than failing —
// profiles are often shared between machines that set different subsets
// of variables.
func expand(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := varPattern.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})
}

// Resolve flattens the extends chain of the named profile, expands
// environment placeholders in every string field, and applies defaults.
// Child fields win over parent fields. A revisited profile name means
// circular inheritance and fails with a ConfigurationError naming it.
func Resolve(profiles map[string]*RawProfile, activeName string) (*Profile, error) {
	if _, ok := profiles[activeName]; !ok {
		return nil, configErrorf("profile not found: %q", activeName)
	}

	// Collect the chain child-first, then merge parent-first so that
	// later (more specific) profiles overwrite earlier ones.
	var chain []*RawProfile
	visited := map[string]bool{}
	name := activeName
	for {
		if visited[name] {
			return nil, configErrorf("circular inheritance detected at profile %q", name)
		}
		visited[name] = true
		p, ok := profiles[name]
		if !ok {
			return nil, configErrorf("profile not found: %q (referenced via extends)", name)
		}
		chain = append(chain, p)
		if p.Extends == "" {
			break
		}
		name = p.Extends
	}

	merged := &RawProfile{}
	for i := len(chain) - 1; i >= 0; i-- {
		overlay(merged, chain[i])
	}

	p := &Profile{
		Name:           activeName,
		ConnectionName: expand(merged.ConnectionName),
		AuthFlow:       Flow(expand(merged.AuthFlow)),
		TenantID:       expand(merged.TenantID),
		ClientID:       expand(merged.ClientID),
		ClientSecret:   expand(merged.ClientSecret),
		AppID:          expand(merged.AppID),
		ClusterURL:     expand(merged.ClusterURL),
		QueriesFolder:  expand(merged.QueriesFolder),
		CacheEnabled:   true,
		CacheTTL:       DefaultCacheTTLSeconds,
		Port:           DefaultPort,
	}
	for _, ref := range merged.References {
		p.References = append(p.References, expand(ref))
	}
	if merged.CacheEnabled != nil {
		p.CacheEnabled = *merged.CacheEnabled
	}
	if merged.CacheTTL != nil {
		p.CacheTTL = *merged.CacheTTL
	}
	if merged.RemovePII != nil {
		p.RemovePII = *merged.RemovePII
	}
	if merged.Port != nil {
		p.Port = *merged.Port
	}
	if p.ConnectionName == "" {
		p.ConnectionName = activeName
	}
	if p.ClusterURL == "" {
		p.ClusterURL = DefaultClusterURL
	}

	ApplyEnvOverrides(p)
	return p, nil
}

// overlay copies set fields of src over dst. Strings count as set when
// non-empty; pointer scalars when non-nil; references replace wholesale.
func overlay(dst, src *RawProfile) {
	if src.ConnectionName != "" {
		dst.ConnectionName = src.ConnectionName
	}
	if src.AuthFlow != "" {
		dst.AuthFlow = src.AuthFlow
	}
	if src.TenantID != "" {
		dst.TenantID = src.TenantID
	}
	if src.ClientID != "" {
		dst.ClientID = src.ClientID
	}
	if src.ClientSecret != "" {
		dst.ClientSecret = src.ClientSecret
	}
	if src.AppID != "" {
		dst.AppID = src.AppID
	}
	if src.ClusterURL != "" {
		dst.ClusterURL = src.ClusterURL
	}
	if src.QueriesFolder != "" {
		dst.QueriesFolder = src.QueriesFolder
	}
	if src.CacheEnabled != nil {
		dst.CacheEnabled = src.CacheEnabled
	}
	if src.CacheTTL != nil {
		dst.CacheTTL = src.CacheTTL
	}
	if src.RemovePII != nil {
		dst.RemovePII = src.RemovePII
	}
	if src.Port != nil {
		dst.Port = src.Port
	}
	if len(src.References) > 0 {
		dst.References = src.References
	}
}

// ApplyEnvOverrides lets BCTB_* environment variables override resolved
// profile fields. The UI collaborator uses these to configure
// single-profile deployments without writing a config file.
func ApplyEnvOverrides(p *Profile) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString("BCTB_CONNECTION_NAME", &p.ConnectionName)
	setString("BCTB_TENANT_ID", &p.TenantID)
	setString("BCTB_CLIENT_ID", &p.ClientID)
	setString("BCTB_CLIENT_SECRET", &p.ClientSecret)
	setString("BCTB_APP_ID", &p.AppID)
	setString("BCTB_CLUSTER_URL", &p.ClusterURL)
	setString("BCTB_QUERIES_FOLDER", &p.QueriesFolder)

	if v, ok := os.LookupEnv("BCTB_AUTH_FLOW"); ok && v != "" {
		p.AuthFlow = Flow(v)
	}
	if v, ok := os.LookupEnv("BCTB_CACHE_ENABLED"); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			p.CacheEnabled = b
		}
	}
	if v, ok := os.LookupEnv("BCTB_CACHE_TTL_SECONDS"); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.CacheTTL = n
		}
	}
	if v, ok := os.LookupEnv("BCTB_REMOVE_PII"); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			p.RemovePII = b
		}
	}
	if v, ok := os.LookupEnv("BCTB_PORT"); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.Port = n
		}
	}
}

// Validate checks that the resolved profile carries everything its auth
// flow needs. It returns every violated rule, not just the first, so a
// caller can report the full list at once. Messages name the BCTB_*
// environment override for each field since that is how most deployments
// set them.
func Validate(p *Profile) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, configErrorf(format, args...))
	}

	switch p.AuthFlow {
	case FlowDeviceCode:
		if p.TenantID == "" {
			add("BCTB_TENANT_ID is required for device_code auth flow")
		}
	case FlowClientCredentials:
		if p.TenantID == "" {
			add("BCTB_TENANT_ID is required for client_credentials auth flow")
		}
		if p.ClientID == "" {
			add("BCTB_CLIENT_ID is required for client_credentials auth flow")
		}
		if p.ClientSecret == "" {
			add("BCTB_CLIENT_SECRET is required for client_credentials auth flow")
		}
	case FlowAzureCLI:
		// Delegates to the local az session; no tenant/client fields needed.
	case "":
		add("BCTB_AUTH_FLOW is required (device_code, client_credentials, or azure_cli)")
	default:
		add("unknown auth flow %q (valid: device_code, client_credentials, azure_cli)", p.AuthFlow)
	}

	if p.AppID == "" {
		add("BCTB_APP_ID is required (Application Insights application ID)")
	}
	if p.ClusterURL == "" {
		add("BCTB_CLUSTER_URL is required")
	}
	if p.CacheTTL < 0 {
		add("BCTB_CACHE_TTL_SECONDS must not be negative")
	}

	return errs
}
