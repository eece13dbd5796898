package envfile

import (
	"strings"
	"testing"

	"github.com/provisio/provisio/pkg/engine"
)

func completedDeployment() engine.Deployment {
	return engine.Deployment{
		ID:     "0f8fad5b-d9cb-469f-a165-70867728950e",
		Status: engine.StatusCompleted,
		Params: engine.Parameters{
			ResourceGroupBase: "myenv",
			SubscriptionID:    "sub-123",
			IncludeSearch:     true,
		},
		Outputs: map[string]any{
			"tenant_id":                      "tenant-1",
			"service_principal_app_id":       "app-1",
			"service_principal_secret":       "sp-secret",
			"azure_openai_endpoint":          "https://svc.openai.azure.com/",
			"azure_openai_api_key_primary":   "openai-key",
			"openai_deployment_name":         "gpt-4.1-mini",
			"azure_ai_inference_endpoint":    "https://svc.services.ai.azure.com/",
			"azure_ai_search_url":            "https://svc.search.windows.net",
			"azure_ai_search_key":            "search-key",
			"app_insights_connection_string": "InstrumentationKey=abc",
			"storage_connection_string":      "DefaultEndpointsProtocol=https",
		},
	}
}

func TestFilename(t *testing.T) {
	if got := Filename("0f8fad5b-d9cb-469f-a165-70867728950e"); got != "azure-ai-0f8fad5b.env" {
		t.Errorf("Filename = %q", got)
	}
	if got := Filename("short"); got != "azure-ai-short.env" {
		t.Errorf("Filename = %q", got)
	}
}

func TestGenerateRendersAllSections(t *testing.T) {
	content := Generate(completedDeployment())

	for _, section := range []string{
		"# Azure AI Environment Configuration",
		"# Azure Subscription & Service Principal",
		"# Azure OpenAI Configuration",
		"# Azure AI Foundry",
		"# Azure AI Search Configuration",
		"# Logging and Monitoring (Optional)",
	} {
		if !strings.Contains(content, section) {
			t.Errorf("missing section %q", section)
		}
	}
	if !strings.Contains(content, "# Generated from deployment: 0f8fad5b") {
		t.Error("missing short deployment id in header")
	}
	if !strings.Contains(content, "Never commit .env files") {
		t.Error("missing credentials warning")
	}
}

func TestGenerateRendersValues(t *testing.T) {
	content := Generate(completedDeployment())

	for _, line := range []string{
		`AZURE_SUBSCRIPTION_ID="sub-123"`,
		`AZURE_TENANT_ID="tenant-1"`,
		`AZURE_CLIENT_ID="app-1"`,
		`AZURE_CLIENT_SECRET="sp-secret"`,
		`AZURE_OPENAI_ENDPOINT="https://svc.openai.azure.com/"`,
		`AZURE_OPENAI_API_KEY="openai-key"`,
		`AZURE_OPENAI_DEPLOYMENT_NAME="gpt-4.1-mini"`,
		`AZURE_OPENAI_API_VERSION="2024-12-01-preview"`,
		`AZURE_OPENAI_EMBEDDING_DEPLOYMENT="text-embedding-3-small"`,
		`AI_FOUNDRY_ENDPOINT="https://svc.services.ai.azure.com/"`,
		`AZURE_SEARCH_ENDPOINT="https://svc.search.windows.net"`,
		`AZURE_SEARCH_API_KEY="search-key"`,
		`AZURE_SEARCH_INDEX_NAME="ai-search-index"`,
		`LOG_LEVEL="INFO"`,
		`APPLICATION_INSIGHTS_CONNECTION_STRING="InstrumentationKey=abc"`,
		`STORAGE_CONNECTION_STRING="DefaultEndpointsProtocol=https"`,
	} {
		if !strings.Contains(content, line+"\n") {
			t.Errorf("missing line %q", line)
		}
	}
}

func TestGenerateOmitsEmptyValues(t *testing.T) {
	d := completedDeployment()
	d.Outputs = map[string]any{}
	d.Params.SubscriptionID = ""

	content := Generate(d)

	for _, key := range []string{
		"AZURE_SUBSCRIPTION_ID",
		"AZURE_TENANT_ID",
		"AZURE_OPENAI_ENDPOINT",
		"AZURE_SEARCH_API_KEY",
		"STORAGE_CONNECTION_STRING",
	} {
		if strings.Contains(content, key+"=") {
			t.Errorf("empty key %s rendered", key)
		}
	}
	// Fixed defaults survive even with no outputs.
	if !strings.Contains(content, `AZURE_OPENAI_API_VERSION="2024-12-01-preview"`) {
		t.Error("fixed API version missing")
	}
	if !strings.Contains(content, `LOG_LEVEL="INFO"`) {
		t.Error("fixed log level missing")
	}
}

func TestGenerateFallbackKeys(t *testing.T) {
	d := completedDeployment()
	d.Outputs = map[string]any{
		"openai_endpoint":  "https://raw.openai.azure.com/",
		"azure_openai_key": "legacy-key",
	}

	content := Generate(d)
	if !strings.Contains(content, `AZURE_OPENAI_ENDPOINT="https://raw.openai.azure.com/"`) {
		t.Error("endpoint fallback not applied")
	}
	if !strings.Contains(content, `AZURE_OPENAI_API_KEY="legacy-key"`) {
		t.Error("key fallback not applied")
	}
}

func TestGenerateSubscriptionFromParams(t *testing.T) {
	d := completedDeployment()
	delete(d.Outputs, "subscription_id")
	d.Params.SubscriptionID = "sub-from-params"

	content := Generate(d)
	if !strings.Contains(content, `AZURE_SUBSCRIPTION_ID="sub-from-params"`) {
		t.Error("subscription fallback to params not applied")
	}
}
