// Package envfile renders a deployment's outputs as a dotenv document for
// download, grouped by service with fixed defaults where the platform has a
// well-known value.
package envfile

import (
	"fmt"
	"strings"
	"time"

	"github.com/provisio/provisio/pkg/engine"
)

const separator = "# ============================================================================="

// Filename returns the standardized download name for a deployment's env file.
func Filename(deploymentID string) string {
	short := deploymentID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("azure-ai-%s.env", short)
}

// Generate renders the dotenv content from a deployment's outputs and
// parameters. Keys with no known value are omitted rather than emitted empty.
func Generate(d engine.Deployment) string {
	var b strings.Builder
	outputs := d.Outputs
	short := d.ID
	if len(short) > 8 {
		short = short[:8]
	}

	section(&b, "Azure AI Environment Configuration")
	fmt.Fprintf(&b, "# Generated from deployment: %s\n", short)
	fmt.Fprintf(&b, "# Created at: %s\n", time.Now().UTC().Format("2006-01-02 15:04:05 UTC"))
	b.WriteString("# Never commit .env files with real credentials to version control!\n\n")

	section(&b, "Azure Subscription & Service Principal")
	subscription := stringOutput(outputs, "subscription_id")
	if subscription == "" {
		subscription = d.Params.SubscriptionID
	}
	writeVar(&b, "AZURE_SUBSCRIPTION_ID", subscription)
	writeVar(&b, "AZURE_TENANT_ID", stringOutput(outputs, "tenant_id"))
	writeVar(&b, "AZURE_CLIENT_ID", stringOutput(outputs, "service_principal_app_id"))
	writeVar(&b, "AZURE_CLIENT_SECRET", stringOutput(outputs, "service_principal_secret"))

	b.WriteByte('\n')
	section(&b, "Azure OpenAI Configuration")
	writeVar(&b, "AZURE_OPENAI_ENDPOINT", firstOutput(outputs, "azure_openai_endpoint", "openai_endpoint"))
	writeVar(&b, "AZURE_OPENAI_API_KEY", firstOutput(outputs, "azure_openai_api_key_primary", "azure_openai_key"))
	writeVar(&b, "AZURE_OPENAI_DEPLOYMENT_NAME", stringOutput(outputs, "openai_deployment_name"))
	writeVar(&b, "AZURE_OPENAI_API_VERSION", "2024-12-01-preview")
	writeVar(&b, "AZURE_OPENAI_EMBEDDING_DEPLOYMENT", "text-embedding-3-small")

	b.WriteByte('\n')
	section(&b, "Azure AI Foundry")
	writeVar(&b, "AI_FOUNDRY_ENDPOINT", firstOutput(outputs,
		"azure_ai_inference_endpoint", "ai_inference_endpoint", "foundry_project_endpoint"))
	writeVar(&b, "AI_FOUNDRY_API_KEY", firstOutput(outputs, "azure_openai_api_key_primary", "azure_openai_key"))
	writeVar(&b, "AI_FOUNDRY_DEPLOYMENT_NAME", stringOutput(outputs, "openai_deployment_name"))

	b.WriteByte('\n')
	section(&b, "Azure AI Search Configuration")
	writeVar(&b, "AZURE_SEARCH_ENDPOINT", firstOutput(outputs, "azure_ai_search_url", "search_service_endpoint"))
	writeVar(&b, "AZURE_SEARCH_API_KEY", firstOutput(outputs, "azure_ai_search_key", "azure_search_admin_key"))
	writeVar(&b, "AZURE_SEARCH_INDEX_NAME", "ai-search-index")

	b.WriteByte('\n')
	section(&b, "Logging and Monitoring (Optional)")
	writeVar(&b, "LOG_LEVEL", "INFO")
	writeVar(&b, "APPLICATION_INSIGHTS_CONNECTION_STRING", stringOutput(outputs, "app_insights_connection_string"))
	writeVar(&b, "STORAGE_CONNECTION_STRING", stringOutput(outputs, "storage_connection_string"))

	return b.String()
}

func section(b *strings.Builder, title string) {
	b.WriteString(separator)
	b.WriteByte('\n')
	b.WriteString("# " + title + "\n")
	b.WriteString(separator)
	b.WriteByte('\n')
}

func writeVar(b *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "%s=%q\n", key, value)
}

func stringOutput(outputs map[string]any, key string) string {
	s, _ := outputs[key].(string)
	return s
}

func firstOutput(outputs map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := stringOutput(outputs, key); s != "" {
			return s
		}
	}
	return ""
}
