package s3

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ProviderConfig captures how a known S3-compatible provider wants to
// be addressed.
type ProviderConfig struct {
	Name              string
	DefaultEndpoint   string
	DefaultRegion     string
	EndpointTemplate  string // endpoint built from region when set
	RequiresPathStyle bool
}

// KnownProviders maps the provider names accepted in a remote backend
// config to their addressing rules. A replica bucket can live on any
// of these; the store never depends on provider-specific behavior
// beyond endpoint shape and path-style addressing.
var KnownProviders = map[string]ProviderConfig{
	"aws": {
		Name:            "AWS S3",
		DefaultEndpoint: "https://s3.amazonaws.com",
		DefaultRegion:   "us-east-1",
	},
	"minio": {
		Name:              "MinIO",
		DefaultEndpoint:   "http://localhost:9000",
		DefaultRegion:     "us-east-1",
		RequiresPathStyle: true,
	},
	"garage": {
		Name:              "Garage",
		DefaultEndpoint:   "http://localhost:3900",
		DefaultRegion:     "garage",
		RequiresPathStyle: true,
	},
	"wasabi": {
		Name:             "Wasabi",
		DefaultEndpoint:  "https://s3.wasabisys.com",
		DefaultRegion:    "us-east-1",
		EndpointTemplate: "https://s3.%s.wasabisys.com",
	},
	"backblaze": {
		Name:              "Backblaze B2",
		DefaultEndpoint:   "https://s3.us-west-000.backblazeb2.com",
		DefaultRegion:     "us-west-000",
		EndpointTemplate:  "https://s3.%s.backblazeb2.com",
		RequiresPathStyle: true,
	},
	"cloudflare": {
		Name:            "Cloudflare R2",
		DefaultEndpoint: "https://<account-id>.r2.cloudflarestorage.com",
		DefaultRegion:   "auto",
	},
	"digitalocean": {
		Name:             "DigitalOcean Spaces",
		DefaultEndpoint:  "https://nyc3.digitaloceanspaces.com",
		DefaultRegion:    "nyc3",
		EndpointTemplate: "https://%s.digitaloceanspaces.com",
	},
	"scaleway": {
		Name:             "Scaleway Object Storage",
		DefaultEndpoint:  "https://s3.fr-par.scw.cloud",
		DefaultRegion:    "fr-par",
		EndpointTemplate: "https://s3.%s.scw.cloud",
	},
}

// GetProviderConfig returns the addressing rules for provider.
func GetProviderConfig(provider string) (ProviderConfig, error) {
	if provider == "" {
		return ProviderConfig{}, fmt.Errorf("provider name is required")
	}
	cfg, ok := KnownProviders[strings.ToLower(provider)]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("unknown provider: %s (supported: %s)",
			provider, strings.Join(providerNames(), ", "))
	}
	return cfg, nil
}

// ValidateProviderConfig fills in provider defaults for any endpoint
// or region the caller left empty and returns the normalized pair.
func ValidateProviderConfig(endpoint, provider, region string) (string, string, error) {
	cfg, err := GetProviderConfig(provider)
	if err != nil {
		return "", "", err
	}

	if region == "" {
		region = cfg.DefaultRegion
	}
	if endpoint == "" {
		if cfg.EndpointTemplate != "" && region != "" {
			endpoint = fmt.Sprintf(cfg.EndpointTemplate, region)
		} else {
			endpoint = cfg.DefaultEndpoint
		}
	}
	endpoint = normalizeEndpoint(endpoint)
	if err := ValidateEndpoint(endpoint); err != nil {
		return "", "", err
	}

	return endpoint, region, nil
}

func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	return strings.TrimSuffix(endpoint, "/")
}

// ValidateEndpoint checks that an endpoint URL is well-formed.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint must use http:// or https:// scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint must include a hostname")
	}
	return nil
}

func providerNames() []string {
	names := make([]string, 0, len(KnownProviders))
	for name := range KnownProviders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsProviderSupported reports whether provider names a known provider.
func IsProviderSupported(provider string) bool {
	_, ok := KnownProviders[strings.ToLower(provider)]
	return ok
}

// RequiresPathStyleAddressing reports whether provider needs
// path-style bucket addressing instead of virtual-hosted style.
func RequiresPathStyleAddressing(provider string) bool {
	cfg, err := GetProviderConfig(provider)
	if err != nil {
		return false
	}
	return cfg.RequiresPathStyle
}
