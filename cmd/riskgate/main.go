package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/riskgate/riskgate/internal/api"
	"github.com/riskgate/riskgate/internal/auth"
	"github.com/riskgate/riskgate/internal/config"
	"github.com/riskgate/riskgate/internal/engine"
	"github.com/riskgate/riskgate/internal/event"
	"github.com/riskgate/riskgate/internal/metrics"
	"github.com/riskgate/riskgate/internal/policy"
	"github.com/riskgate/riskgate/internal/store"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "riskgate",
		Short: "Oversight gateway for autonomous agent actions",
		Long:  "RiskGate scores agent actions, enforces per-session risk budgets,\nand pauses for human approval when an action crosses the line.",
	}

	var configFile string
	var port int
	var devMode bool
	var apiKey string

	// ─── start ───
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the oversight gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile, port, devMode)
		},
	}
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: riskgate.yaml)")
	startCmd.Flags().IntVarP(&port, "port", "p", 0, "Override HTTP port (default: 8001)")
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: verbose logs, CORS *")

	// ─── init ───
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate starter config and policy files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}

	// ─── status ───
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway health and evaluation stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(port, apiKey)
		},
	}

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("RiskGate %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	// ─── policy ───
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Policy management commands",
	}

	policyValidateCmd := &cobra.Command{
		Use:   "validate [policy-file]",
		Short: "Validate a policy file without loading it into a server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "riskgate-policy.yaml"
			if len(args) > 0 {
				path = args[0]
			}
			return runPolicyValidate(path)
		},
	}

	policyReloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Hot-reload the policy file on a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiRequest(port, apiKey, http.MethodPost, "/config/reload", nil)
			if err != nil {
				return fmt.Errorf("failed to connect to RiskGate: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode == http.StatusOK {
				fmt.Println("✓ Policy reloaded")
			} else {
				fmt.Printf("✗ Reload failed (HTTP %d)\n", resp.StatusCode)
			}
			return nil
		},
	}

	policyShowCmd := &cobra.Command{
		Use:   "show [policy-file]",
		Short: "Print the effective policy (file merged over defaults)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = args[0]
			}
			return runPolicyShow(path)
		},
	}

	policyCmd.AddCommand(policyValidateCmd, policyReloadCmd, policyShowCmd)

	// ─── webhook ───
	webhookCmd := &cobra.Command{
		Use:   "webhook",
		Short: "Webhook subscription commands",
	}

	webhookListCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWebhookList(port, apiKey)
		},
	}

	var webhookEvents []string
	var webhookSecret string
	webhookAddCmd := &cobra.Command{
		Use:   "add [url]",
		Short: "Register a webhook endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWebhookAdd(port, apiKey, args[0], webhookEvents, webhookSecret)
		},
	}
	webhookAddCmd.Flags().StringSliceVar(&webhookEvents, "events", []string{"checkpoint_triggered"}, "Events to subscribe to")
	webhookAddCmd.Flags().StringVar(&webhookSecret, "secret", "", "HMAC signing secret")

	webhookRmCmd := &cobra.Command{
		Use:   "rm [webhook-id]",
		Short: "Delete a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiRequest(port, apiKey, http.MethodDelete, "/config/webhooks/"+args[0], nil)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode == http.StatusOK {
				fmt.Printf("✓ Webhook %s deleted\n", args[0])
			} else {
				fmt.Printf("✗ Delete failed (HTTP %d)\n", resp.StatusCode)
			}
			return nil
		},
	}

	webhookCmd.AddCommand(webhookListCmd, webhookAddCmd, webhookRmCmd)

	// ─── audit ───
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log commands",
	}

	var auditFrom, auditTo string
	auditExportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export the evaluation audit log as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditExport(port, apiKey, auditFrom, auditTo)
		},
	}
	auditExportCmd.Flags().StringVar(&auditFrom, "from", "", "Start date (ISO-8601 or YYYY-MM-DD)")
	auditExportCmd.Flags().StringVar(&auditTo, "to", "", "End date (ISO-8601 or YYYY-MM-DD)")
	auditCmd.AddCommand(auditExportCmd)

	for _, c := range []*cobra.Command{statusCmd, policyReloadCmd, webhookListCmd, webhookAddCmd, webhookRmCmd, auditExportCmd} {
		c.Flags().IntVarP(&port, "port", "p", 0, "Gateway port (default: 8001)")
		c.Flags().StringVar(&apiKey, "api-key", "", "API key (default: $RISKGATE_API_KEY)")
	}

	rootCmd.AddCommand(startCmd, initCmd, statusCmd, versionCmd, policyCmd, webhookCmd, auditCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStart(configFile string, portOverride int, devMode bool) error {
	// Local .env files seed API keys and storage paths in development.
	_ = godotenv.Load()

	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	cfg := cfgLoader.Get()

	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if devMode {
		cfg.Server.CORS = true
		cfg.Server.LogLevel = "debug"
	}

	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	st, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	if err := st.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = st.Close() }()

	cond, err := policy.NewConditionEvaluator(logger)
	if err != nil {
		return fmt.Errorf("failed to create condition evaluator: %w", err)
	}

	policies, err := policy.NewStore(cfg.PolicyFile, cond, logger)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	if cfg.WatchPolicy && cfg.PolicyFile != "" {
		if err := policies.Watch(); err != nil {
			logger.Warn("failed to watch policy file", "error", err)
		} else {
			defer policies.StopWatch()
		}
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	hub := event.NewHub(logger, cfg.Server.CORS)
	hub.OnClientCountChange = func(n int) {
		m.DashboardClients.Set(float64(n))
	}

	dispatcher := event.NewDispatcher(st, hub, "riskgate/"+version, logger)
	dispatcher.OnDelivery = func(success bool) {
		outcome := "failure"
		if success {
			outcome = "success"
		}
		m.WebhookDeliveries.WithLabelValues(outcome).Inc()
	}

	eng := engine.New(st, policies, cond, dispatcher, logger)
	keyring := auth.NewKeyring(cfg.Auth.APIKeys, logger)
	if keyring.Empty() {
		logger.Warn("no API keys configured, all endpoints are open")
	}

	server := api.NewServer(cfg.Server, eng, st, policies, keyring, hub, m, registry, version, logger)

	pol := policies.Current()
	fmt.Println()
	fmt.Printf("  RiskGate %s (oversight gateway)\n", version)
	fmt.Println()
	fmt.Printf("  → HTTP:       http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("  → Dashboard:  ws://localhost:%d/ws/dashboard\n", cfg.Server.Port)
	fmt.Printf("  → Metrics:    http://localhost:%d/metrics\n", cfg.Server.Port)
	fmt.Printf("  → Storage:    %s (%s)\n", cfg.Storage.Driver, cfg.Storage.Path)
	fmt.Printf("  → Checkpoint: risk > %v, session budget %v\n", pol.RiskThresholds.CheckpointTrigger, pol.RiskThresholds.SessionBudget)
	fmt.Printf("  → Rules:      %d loaded\n", len(pol.ActionRules))
	fmt.Println()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = server.Shutdown(shutCtx)
	}()

	logger.Info("starting HTTP server", "port", cfg.Server.Port)
	if err := server.Start(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	// In-flight webhook deliveries finish before the process exits.
	dispatcher.Wait()
	return nil
}

// ─── Init ───

func runInit() error {
	configPath := "riskgate.yaml"
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("  ⚠ %s already exists (skipping)\n", configPath)
	} else {
		if err := config.GenerateDefault(configPath); err != nil {
			return err
		}
		fmt.Printf("  ✓ Generated %s\n", configPath)
	}

	policyPath := "riskgate-policy.yaml"
	if _, err := os.Stat(policyPath); err == nil {
		fmt.Printf("  ⚠ %s already exists (skipping)\n", policyPath)
	} else {
		if err := policy.WriteDefault(policyPath); err != nil {
			return err
		}
		fmt.Printf("  ✓ Generated %s\n", policyPath)
	}

	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    edit riskgate-policy.yaml            # Tune thresholds and action rules")
	fmt.Println("    riskgate policy validate             # Check the policy file")
	fmt.Println("    riskgate start                       # Start the gateway")
	return nil
}

// ─── Status ───

func runStatus(port int, apiKey string) error {
	resp, err := apiRequest(port, apiKey, http.MethodGet, "/health", nil)
	if err != nil {
		fmt.Printf("RiskGate is not running on port %d\n", resolvePort(port))
		return nil
	}
	var health map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&health)
	_ = resp.Body.Close()

	fmt.Println("RiskGate Status")
	fmt.Println("─────────────────")
	fmt.Printf("  %-20s %v\n", "status:", health["status"])
	fmt.Printf("  %-20s %v\n", "version:", health["version"])

	resp, err = apiRequest(port, apiKey, http.MethodGet, "/stats", nil)
	if err != nil {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("  (stats unavailable: HTTP %d, check --api-key)\n", resp.StatusCode)
		return nil
	}
	var stats map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return err
	}
	for k, v := range stats {
		fmt.Printf("  %-20s %v\n", k+":", v)
	}
	return nil
}

// ─── Policy ───

func runPolicyValidate(path string) error {
	cond, err := policy.NewConditionEvaluator(nil)
	if err != nil {
		return fmt.Errorf("failed to create condition evaluator: %w", err)
	}
	pol, err := policy.LoadFile(path, cond)
	if err != nil {
		fmt.Printf("✗ Invalid policy: %s\n", err)
		return err
	}
	fmt.Printf("✓ Policy file valid: %s\n", path)
	fmt.Printf("  Checkpoint trigger: %v\n", pol.RiskThresholds.CheckpointTrigger)
	fmt.Printf("  Session budget:     %v\n", pol.RiskThresholds.SessionBudget)
	fmt.Printf("  Action rules:       %d\n", len(pol.ActionRules))
	for _, r := range pol.ActionRules {
		marker := " "
		if r.AlwaysCheckpoint {
			marker = "!"
		}
		fmt.Printf("  %s %-30s floor=%.2f\n", marker, r.Pattern, r.ImpactFloor)
	}
	return nil
}

func runPolicyShow(path string) error {
	cond, err := policy.NewConditionEvaluator(nil)
	if err != nil {
		return err
	}
	var pol *policy.Policy
	if path == "" {
		pol = policy.Default()
	} else {
		pol, err = policy.LoadFile(path, cond)
		if err != nil {
			return err
		}
	}
	out, err := yaml.Marshal(pol)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

// ─── Webhooks ───

func runWebhookList(port int, apiKey string) error {
	resp, err := apiRequest(port, apiKey, http.MethodGet, "/config/webhooks", nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	hooks, _ := result["webhooks"].([]interface{})
	if len(hooks) == 0 {
		fmt.Println("No webhooks registered.")
		return nil
	}

	fmt.Printf("%-6s %-10s %-8s %-40s %s\n", "ID", "ENABLED", "FAILS", "URL", "EVENTS")
	fmt.Println(strings.Repeat("─", 90))
	for _, h := range hooks {
		m := h.(map[string]interface{})
		events, _ := m["events"].([]interface{})
		names := make([]string, 0, len(events))
		for _, e := range events {
			names = append(names, fmt.Sprintf("%v", e))
		}
		fmt.Printf("%-6v %-10v %-8v %-40v %s\n",
			m["id"], m["enabled"], m["failure_count"],
			truncate(fmt.Sprintf("%v", m["url"]), 40), strings.Join(names, ","))
	}
	return nil
}

func runWebhookAdd(port int, apiKey, url string, events []string, secret string) error {
	body, _ := json.Marshal(map[string]interface{}{
		"url":    url,
		"events": events,
		"secret": secret,
	})
	resp, err := apiRequest(port, apiKey, http.MethodPost, "/config/webhooks", body)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&result)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook registration failed (HTTP %d): %v", resp.StatusCode, result["error"])
	}
	fmt.Printf("✓ Webhook %v registered for %s\n", result["webhook_id"], strings.Join(events, ", "))
	return nil
}

// ─── Audit ───

func runAuditExport(port int, apiKey, from, to string) error {
	q := url.Values{}
	if from != "" {
		q.Set("from_date", from)
	}
	if to != "" {
		q.Set("to_date", to)
	}
	path := "/audit/export"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := apiRequest(port, apiKey, http.MethodGet, path, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("export failed (HTTP %d): %v", resp.StatusCode, result["error"])
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// ─── Shared Helpers ───

func apiRequest(port int, apiKey, method, path string, body []byte) (*http.Response, error) {
	if apiKey == "" {
		apiKey = os.Getenv("RISKGATE_API_KEY")
	}
	var reader *strings.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, fmt.Sprintf("http://localhost:%d%s", resolvePort(port), path), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set(auth.HeaderName, apiKey)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}

func findConfigFile() string {
	candidates := []string{
		"riskgate.yaml",
		"riskgate.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "riskgate", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func resolvePort(port int) int {
	if port == 0 {
		return 8001
	}
	return port
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-2] + ".."
}
