// Package terraform drives the Terraform CLI as the provisioning tool. All
// commands execute with the deployment workspace as the working directory, so
// every deployment keeps its own state file.
package terraform

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/provisio/provisio/pkg/engine"
	"github.com/provisio/provisio/pkg/naming"
	"github.com/provisio/provisio/pkg/runner"
)

const (
	defaultBinary = "terraform"

	applyRetries = 2
	applyDelay   = 60 * time.Second

	destroyRetries = 2
	destroyDelay   = 30 * time.Second
)

// outputFunc queries the tool's structured outputs. Split out so tests can
// substitute canned JSON.
type outputFunc func(ctx context.Context, dir string) ([]byte, error)

// Tool implements the provisioning tool contract on top of the Terraform CLI.
type Tool struct {
	runner runner.Runner
	binary string
	output outputFunc
}

// New creates a Terraform tool that executes through the given runner.
func New(r runner.Runner) *Tool {
	t := &Tool{
		runner: r,
		binary: defaultBinary,
	}
	t.output = func(ctx context.Context, dir string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, t.binary, "output", "-json")
		cmd.Dir = dir
		return cmd.Output()
	}
	return t
}

// Init runs terraform init in the workspace. Init failures are never retried.
func (t *Tool) Init(ctx context.Context, dir string, sink runner.LogSink) error {
	return t.runner.Run(ctx, runner.Command{
		Name: t.binary,
		Args: []string{"init"},
		Dir:  dir,
	}, runner.NoRetry(), sink)
}

// Apply runs terraform apply with auto-approval, re-executing up to twice on
// a transient provider conflict.
func (t *Tool) Apply(ctx context.Context, dir string, sink runner.LogSink) error {
	return t.runner.Run(ctx, runner.Command{
		Name: t.binary,
		Args: []string{"apply", "-auto-approve"},
		Dir:  dir,
	}, runner.RetryPolicy{
		MaxRetries: applyRetries,
		Delay:      applyDelay,
		Retryable:  runner.TransientConflict,
	}, sink)
}

// Destroy runs terraform destroy with auto-approval under the same conflict
// heuristic as Apply, with a shorter retry delay.
func (t *Tool) Destroy(ctx context.Context, dir string, sink runner.LogSink) error {
	return t.runner.Run(ctx, runner.Command{
		Name: t.binary,
		Args: []string{"destroy", "-auto-approve"},
		Dir:  dir,
	}, runner.RetryPolicy{
		MaxRetries: destroyRetries,
		Delay:      destroyDelay,
		Retryable:  runner.TransientConflict,
	}, sink)
}

// Outputs queries terraform output -json, flattens the value wrappers, and
// derives the standard endpoint aliases.
func (t *Tool) Outputs(ctx context.Context, dir string) (map[string]any, error) {
	raw, err := t.output(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("terraform output failed: %w", err)
	}

	var wrapped map[string]struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to decode terraform outputs: %w", err)
	}

	outputs := make(map[string]any, len(wrapped))
	for k, v := range wrapped {
		outputs[k] = v.Value
	}

	deriveEndpointAliases(outputs)
	return outputs, nil
}

// deriveEndpointAliases fills in the standard endpoint keys when the raw
// outputs do not carry them. The OpenAI and inference endpoints share the
// cognitive-services host, so they can be derived from it by suffix swap.
func deriveEndpointAliases(outputs map[string]any) {
	servicesEP := stringValue(outputs, "ai_services_endpoint")
	openaiEP := stringValue(outputs, "openai_endpoint")
	inferenceEP := stringValue(outputs, "ai_inference_endpoint")

	const cognitiveHost = ".cognitiveservices.azure.com"
	if servicesEP != "" && openaiEP == "" && strings.Contains(servicesEP, cognitiveHost) {
		openaiEP = strings.Replace(servicesEP, cognitiveHost, ".openai.azure.com", 1)
	}
	if servicesEP != "" && inferenceEP == "" && strings.Contains(servicesEP, cognitiveHost) {
		inferenceEP = strings.Replace(servicesEP, cognitiveHost, ".services.ai.azure.com", 1)
	}

	setIfAbsent(outputs, "azure_ai_services_endpoint", servicesEP)
	setIfAbsent(outputs, "azure_openai_endpoint", openaiEP)
	setIfAbsent(outputs, "azure_ai_inference_endpoint", inferenceEP)

	if foundry := stringValue(outputs, "foundry_project_endpoint"); foundry != "" {
		setIfAbsent(outputs, "azure_ai_foundry_project_endpoint", foundry)
	}
}

func stringValue(outputs map[string]any, key string) string {
	s, _ := outputs[key].(string)
	return s
}

func setIfAbsent(outputs map[string]any, key string, value any) {
	if _, present := outputs[key]; !present {
		outputs[key] = value
	}
}

// InputsContent renders the terraform.tfvars content for a deployment.
func (t *Tool) InputsContent(p engine.Parameters, n naming.ResourceNames) string {
	var b strings.Builder
	writeVar := func(key, value string) {
		fmt.Fprintf(&b, "%s = %q\n", key, value)
	}
	writeBool := func(key string, value bool) {
		fmt.Fprintf(&b, "%s = %t\n", key, value)
	}

	writeVar("rg_name", p.ResourceGroupName())
	writeVar("location", p.Location)
	writeBool("include_search", p.IncludeSearch)
	writeVar("storage_account_name", n.StorageAccount)
	writeVar("search_service_name", n.SearchService)
	writeVar("foundry_project_name", n.Project)
	writeVar("ai_services_name", n.AIServices)
	writeVar("ai_foundry_hub_name", n.FoundryHub)
	writeVar("app_insights_name", n.AppInsights)
	writeVar("log_analytics_workspace_name", n.LogAnalyticsWorkspace)
	writeBool("enable_model_deployment", p.EnableModelDeployment)
	writeVar("model_deployment_name", p.ModelDeploymentName)
	writeVar("openai_model_name", p.OpenAIModelName)
	writeVar("openai_model_version", p.OpenAIModelVersion)
	writeVar("openai_deployment_sku", p.OpenAIDeploymentSKU)
	writeVar("service_principal_name", p.ServicePrincipalName)
	writeVar("secret_expiration_date", p.SecretExpirationDate)
	if p.SubscriptionID != "" {
		writeVar("subscription_id", p.SubscriptionID)
	}
	return b.String()
}
