// Package azure manages the Azure CLI session and retrieves resource
// credentials that Terraform does not expose as outputs.
package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/provisio/provisio/pkg/engine"
	"github.com/provisio/provisio/pkg/telemetry"
)

const (
	// EnvSkipLoginCheck bypasses the entire authentication check when set to
	// 1, true, or yes. For environments with a pre-established session.
	EnvSkipLoginCheck = "AZ_SKIP_LOGIN_CHECK"

	// EnvSubscriptionID selects the subscription when no explicit hint is
	// passed by the caller.
	EnvSubscriptionID = "AZ_SUBSCRIPTION_ID"
)

// queryFunc runs az with the given arguments and returns its stdout.
type queryFunc func(ctx context.Context, args ...string) ([]byte, error)

// loginFunc runs an interactive az command attached to the terminal.
type loginFunc func(ctx context.Context, args ...string) error

// Account is one entry of az account list.
type Account struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
}

// CLI drives the az binary. It implements the cloud session contract.
type CLI struct {
	query  queryFunc
	login  loginFunc
	getenv func(string) string
	logger *telemetry.Logger
}

// NewCLI creates a session manager backed by the az binary on PATH.
func NewCLI(logger *telemetry.Logger) *CLI {
	return &CLI{
		query: func(ctx context.Context, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, "az", args...).Output()
		},
		login: func(ctx context.Context, args ...string) error {
			cmd := exec.CommandContext(ctx, "az", args...)
			cmd.Stdin = os.Stdin
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			return cmd.Run()
		},
		getenv: os.Getenv,
		logger: logger.NewComponentLogger("azure"),
	}
}

// EnsureAuthenticated probes the CLI session, logging in if needed, then
// applies the subscription selection policy. Only a failed login is fatal:
// no enumerable subscription and a failed selection both degrade to log
// messages, leaving the CLI's ambient default in effect.
func (c *CLI) EnsureAuthenticated(ctx context.Context, explicitSubscription string) (engine.AuthResult, error) {
	if skip := strings.ToLower(c.getenv(EnvSkipLoginCheck)); skip == "1" || skip == "true" || skip == "yes" {
		return engine.AuthResult{
			Skipped: true,
			Message: "Skipping Azure login check (AZ_SKIP_LOGIN_CHECK set)",
		}, nil
	}

	if !c.loggedIn(ctx) {
		c.logger.Info("no active session, attempting az login")
		if err := c.login(ctx, "login"); err != nil {
			c.logger.WithError(err).Warn("standard login failed, trying device code flow")
			if err := c.login(ctx, "login", "--use-device-code"); err != nil {
				return engine.AuthResult{
					Message: "Azure CLI login failed (both standard and device code)",
				}, errors.New("az login failed with standard and device-code flows")
			}
		}
	}

	chosen, strategy := c.pickSubscription(ctx, explicitSubscription)
	if chosen == "" {
		return engine.AuthResult{
			Strategy: strategy,
			Message:  "No subscription enumerable; relying on the CLI's ambient default",
		}, nil
	}

	if _, err := c.query(ctx, "account", "set", "--subscription", chosen); err != nil {
		return engine.AuthResult{
			Subscription: chosen,
			Strategy:     strategy,
			Message:      fmt.Sprintf("Failed to set subscription (%s): %v; continuing with ambient default", chosen, err),
		}, nil
	}

	return engine.AuthResult{
		Subscription: chosen,
		Strategy:     strategy,
		Message:      fmt.Sprintf("Subscription set (%s): %s", strategy, chosen),
	}, nil
}

func (c *CLI) loggedIn(ctx context.Context) bool {
	_, err := c.query(ctx, "account", "show")
	return err == nil
}

// pickSubscription applies the selection precedence: explicit hint, the
// AZ_SUBSCRIPTION_ID environment variable, a sole enumerable subscription,
// the CLI's default flag, then the first in the list.
func (c *CLI) pickSubscription(ctx context.Context, explicit string) (string, string) {
	if explicit != "" {
		return explicit, fmt.Sprintf("explicit(%s)", explicit)
	}
	if envSub := c.getenv(EnvSubscriptionID); envSub != "" {
		return envSub, fmt.Sprintf("env(%s)", envSub)
	}

	accounts := c.listAccounts(ctx)
	if len(accounts) == 0 {
		return "", "none-found"
	}
	if len(accounts) == 1 {
		return accounts[0].ID, "single"
	}
	for _, a := range accounts {
		if a.IsDefault {
			return a.ID, "default-flag"
		}
	}
	return accounts[0].ID, "first"
}

func (c *CLI) listAccounts(ctx context.Context) []Account {
	raw, err := c.query(ctx, "account", "list", "--all", "-o", "json")
	if err != nil {
		return nil
	}
	var accounts []Account
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil
	}
	return accounts
}

// ActiveAccountDescription reads the currently selected account for the
// preflight log.
func (c *CLI) ActiveAccountDescription(ctx context.Context) (string, error) {
	raw, err := c.query(ctx, "account", "show", "-o", "json")
	if err != nil {
		return "", fmt.Errorf("az account show failed: %w", err)
	}
	var account Account
	if err := json.Unmarshal(raw, &account); err != nil {
		return "", fmt.Errorf("failed to decode az account show output: %w", err)
	}
	return account.ID + " - " + account.Name, nil
}

// AIServicesKeys fetches the cognitive services API key pair.
func (c *CLI) AIServicesKeys(ctx context.Context, serviceName, resourceGroup string) engine.Credential {
	raw, err := c.query(ctx,
		"cognitiveservices", "account", "keys", "list",
		"-n", serviceName,
		"-g", resourceGroup,
		"-o", "json")
	if err != nil {
		return engine.Unavailable(queryFailure("cognitiveservices keys list", err))
	}

	var keys struct {
		Key1 string `json:"key1"`
		Key2 string `json:"key2"`
	}
	if err := json.Unmarshal(raw, &keys); err != nil {
		return engine.Unavailable("unexpected cognitiveservices keys payload")
	}
	return engine.Credential{
		OK: true,
		Values: map[string]string{
			"key1": keys.Key1,
			"key2": keys.Key2,
		},
	}
}

// StorageCredentials fetches the storage account connection string and
// primary key.
func (c *CLI) StorageCredentials(ctx context.Context, accountName, resourceGroup string) engine.Credential {
	connRaw, err := c.query(ctx,
		"storage", "account", "show-connection-string",
		"-n", accountName,
		"-g", resourceGroup,
		"-o", "json")
	if err != nil {
		return engine.Unavailable(queryFailure("storage show-connection-string", err))
	}
	var conn struct {
		ConnectionString string `json:"connectionString"`
	}
	if err := json.Unmarshal(connRaw, &conn); err != nil {
		return engine.Unavailable("unexpected connection string payload")
	}

	keysRaw, err := c.query(ctx,
		"storage", "account", "keys", "list",
		"-n", accountName,
		"-g", resourceGroup,
		"-o", "json")
	if err != nil {
		return engine.Unavailable(queryFailure("storage keys list", err))
	}
	var keys []struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(keysRaw, &keys); err != nil || len(keys) == 0 {
		return engine.Unavailable("no storage account keys returned")
	}

	return engine.Credential{
		OK: true,
		Values: map[string]string{
			"connection_string": conn.ConnectionString,
			"account_key":       keys[0].Value,
		},
	}
}

// SearchKey fetches the search service's first query key and derives the
// service URL from its name.
func (c *CLI) SearchKey(ctx context.Context, serviceName, resourceGroup string) engine.Credential {
	raw, err := c.query(ctx,
		"search", "query-key", "list",
		"--service-name", serviceName,
		"-g", resourceGroup,
		"-o", "json")
	if err != nil {
		return engine.Unavailable(queryFailure("search query-key list", err))
	}
	var keys []struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(raw, &keys); err != nil || len(keys) == 0 || keys[0].Key == "" {
		return engine.Unavailable("no search query keys returned")
	}

	return engine.Credential{
		OK: true,
		Values: map[string]string{
			"search_url": fmt.Sprintf("https://%s.search.windows.net", serviceName),
			"search_key": keys[0].Key,
		},
	}
}

// queryFailure builds a credential-unavailable reason, including stderr when
// the CLI wrote one.
func queryFailure(operation string, err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return fmt.Sprintf("%s failed: %s", operation, strings.TrimSpace(string(exitErr.Stderr)))
	}
	return fmt.Sprintf("%s failed: %v", operation, err)
}
