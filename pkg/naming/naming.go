// Package naming derives cloud resource names for a deployment.
//
// Names are composed once at deployment creation from a sanitized base plus
// a random suffix, truncated to each resource kind's length limit. They are
// never recomputed: regenerating them after infrastructure has been applied
// would desynchronize the already-created resources.
package naming

import (
	"math/rand"
	"strings"
)

// Length limits imposed by the provider per resource kind.
const (
	maxStorageAccount = 24
	maxSearchService  = 60
	maxAIServices     = 40
	maxFoundryHub     = 40
	maxAppInsights    = 40
	maxLogAnalytics   = 40
	maxProject        = 30
)

// SuffixLength is the number of random lowercase characters appended to
// every generated name.
const SuffixLength = 5

const lowercase = "abcdefghijklmnopqrstuvwxyz"

// ResourceNames holds the generated names for every resource role in the
// fixed topology, plus the shared random suffix.
type ResourceNames struct {
	StorageAccount        string `json:"storage_account_name"`
	SearchService         string `json:"search_service_name"`
	AIServices            string `json:"ai_services_name"`
	FoundryHub            string `json:"ai_foundry_hub_name"`
	AppInsights           string `json:"app_insights_name"`
	LogAnalyticsWorkspace string `json:"log_analytics_workspace_name"`
	Project               string `json:"project_name"`
	Suffix                string `json:"suffix"`
}

// SanitizeBase lowercases the base name and strips everything except
// lowercase letters and digits.
func SanitizeBase(base string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(base) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// RandomSuffix returns a random lowercase suffix of the given length.
func RandomSuffix(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = lowercase[rand.Intn(len(lowercase))]
	}
	return string(b)
}

// Build generates names for every resource role from the given base.
// The base is truncated to leave room for a short role code and the suffix
// while staying inside each kind's length limit.
func Build(base string) ResourceNames {
	sanitized := SanitizeBase(base)
	suffix := RandomSuffix(SuffixLength)

	compose := func(limit int, code string) string {
		room := limit - len(code) - len(suffix)
		if room < 0 {
			room = 0
		}
		truncated := sanitized
		if len(truncated) > room {
			truncated = truncated[:room]
		}
		name := truncated + code + suffix
		if len(name) > limit {
			name = name[:limit]
		}
		return name
	}

	return ResourceNames{
		StorageAccount:        compose(maxStorageAccount, "stg"),
		SearchService:         compose(maxSearchService, "src"),
		AIServices:            compose(maxAIServices, "ais"),
		FoundryHub:            compose(maxFoundryHub, "hub"),
		AppInsights:           compose(maxAppInsights, "appi"),
		LogAnalyticsWorkspace: compose(maxLogAnalytics, "law"),
		Project:               compose(maxProject, "prj"),
		Suffix:                suffix,
	}
}
