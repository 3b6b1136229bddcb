package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/kquota/internal/config"
	"github.com/goodtune/kquota/internal/quota"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and policy files",
	Long: `Validate the kquota configuration file for syntax and semantic errors, then
parse every per-user policy file and report values that were clamped.`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with -dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	policyErrors := validatePolicies(cfg.Policy.Dir)

	// If dump requested, show full configuration with defaults highlighted
	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Default(), unknownKeys)
	}

	if policyErrors > 0 {
		return fmt.Errorf("%d policy file(s) could not be read", policyErrors)
	}
	return nil
}

// validatePolicies parses every policy file in dir and returns how many
// failed outright.
func validatePolicies(dir string) int {
	loader := quota.NewLoader(dir, zerolog.Nop())
	users, err := loader.Users()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not list policy files: %v\n", err)
		return 0
	}

	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Fprintf(os.Stdout, "\nPolicy files in %s: %d\n", dir, len(users))
	failed := 0
	for _, user := range users {
		_, warnings, err := quota.LoadFile(loader.Path(user), user)
		if err != nil {
			_, _ = red.Fprintf(os.Stdout, "   ❌ %s: %v\n", user, err)
			failed++
			continue
		}
		if len(warnings) == 0 {
			fmt.Fprintf(os.Stdout, "   ✅ %s\n", user)
			continue
		}
		_, _ = yellow.Fprintf(os.Stdout, "   ⚠️  %s\n", user)
		for _, w := range warnings {
			_, _ = yellow.Fprintf(os.Stdout, "      - %s\n", w)
		}
	}
	return failed
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := config.Keys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	// Setup colors (only if terminal supports it)
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	// Engine
	_, _ = cyan.Println("\n[engine]")
	dumpField("  poll_interval", cfg.Engine.PollInterval, defaultCfg.Engine.PollInterval, yellow, green)
	dumpField("  save_interval", cfg.Engine.SaveInterval, defaultCfg.Engine.SaveInterval, yellow, green)
	dumpField("  warning_thresholds", cfg.Engine.WarningThresholds, defaultCfg.Engine.WarningThresholds, yellow, green)
	dumpField("  final_warning", cfg.Engine.FinalWarning, defaultCfg.Engine.FinalWarning, yellow, green)
	dumpField("  controlled_session_types", cfg.Engine.ControlledSessionTypes, defaultCfg.Engine.ControlledSessionTypes, yellow, green)
	dumpField("  excluded_session_types", cfg.Engine.ExcludedSessionTypes, defaultCfg.Engine.ExcludedSessionTypes, yellow, green)
	dumpField("  login_manager_vt", cfg.Engine.LoginManagerVT, defaultCfg.Engine.LoginManagerVT, yellow, green)
	dumpField("  phase1_delay", cfg.Engine.Phase1Delay, defaultCfg.Engine.Phase1Delay, yellow, green)
	dumpField("  seat_retry_delay", cfg.Engine.SeatRetryDelay, defaultCfg.Engine.SeatRetryDelay, yellow, green)
	dumpField("  action_timeout", cfg.Engine.ActionTimeout, defaultCfg.Engine.ActionTimeout, yellow, green)

	// Endpoints
	_, _ = cyan.Println("\n[endpoints]")
	for _, ep := range []struct {
		name       string
		value, def config.EndpointConfig
	}{
		{"session", cfg.Endpoints.Session, defaultCfg.Endpoints.Session},
		{"notify", cfg.Endpoints.Notify, defaultCfg.Endpoints.Notify},
		{"idle", cfg.Endpoints.Idle, defaultCfg.Endpoints.Idle},
	} {
		_, _ = cyan.Printf("  [endpoints.%s]\n", ep.name)
		dumpField("    retries", ep.value.Retries, ep.def.Retries, yellow, green)
		dumpField("    backoff", ep.value.Backoff, ep.def.Backoff, yellow, green)
		dumpField("    delay_ticks", ep.value.DelayTicks, ep.def.DelayTicks, yellow, green)
		dumpField("    connect_timeout", ep.value.ConnectTimeout, ep.def.ConnectTimeout, yellow, green)
	}

	// Policy
	_, _ = cyan.Println("\n[policy]")
	dumpField("  dir", cfg.Policy.Dir, defaultCfg.Policy.Dir, yellow, green)
	dumpField("  watch", cfg.Policy.Watch, defaultCfg.Policy.Watch, yellow, green)

	// Notify
	_, _ = cyan.Println("\n[notify]")
	dumpField("  enabled", cfg.Notify.Enabled, defaultCfg.Notify.Enabled, yellow, green)
	dumpField("  app_name", cfg.Notify.AppName, defaultCfg.Notify.AppName, yellow, green)
	dumpField("  replace_window", cfg.Notify.ReplaceWindow, defaultCfg.Notify.ReplaceWindow, yellow, green)
	dumpField("  expire_timeout", cfg.Notify.ExpireTimeout, defaultCfg.Notify.ExpireTimeout, yellow, green)
	dumpField("  deliver_timeout", cfg.Notify.DeliverTimeout, defaultCfg.Notify.DeliverTimeout, yellow, green)

	// Storage
	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	dumpField("  path", cfg.Storage.Path, defaultCfg.Storage.Path, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)
	dumpField("    key_prefix", cfg.Storage.Redis.KeyPrefix, defaultCfg.Storage.Redis.KeyPrefix, yellow, green)

	// Logging
	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	// Metrics
	_, _ = cyan.Println("\n[metrics]")
	dumpField("  enabled", cfg.Metrics.Enabled, defaultCfg.Metrics.Enabled, yellow, green)
	dumpField("  bind_address", cfg.Metrics.BindAddress, defaultCfg.Metrics.BindAddress, yellow, green)

	// Admin
	_, _ = cyan.Println("\n[admin]")
	dumpField("  enabled", cfg.Admin.Enabled, defaultCfg.Admin.Enabled, yellow, green)
	dumpField("  socket", cfg.Admin.Socket, defaultCfg.Admin.Socket, yellow, green)
	dumpField("  socket_mode", fmt.Sprintf("%#o", cfg.Admin.SocketMode), fmt.Sprintf("%#o", defaultCfg.Admin.SocketMode), yellow, green)

	// Display unknown keys if any
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
