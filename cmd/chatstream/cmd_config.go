package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/user/chatstream/internal/config"
)

var configReveal bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configValidateCmd)
	configListCmd.Flags().BoolVar(&configReveal, "reveal", false, "show secrets unmasked")
	configGetCmd.Flags().BoolVar(&configReveal, "reveal", false, "show secrets unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		values, err := config.ListValues(cfg, !configReveal)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}

		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := cmd.OutOrStdout()
		for _, k := range keys {
			fmt.Fprintf(out, "%s = %v\n", k, values[k])
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		if !configReveal && config.IsSecretKey(args[0]) {
			val = config.MaskSecrets(map[string]any{args[0]: val})[args[0]]
		}
		fmt.Fprintln(cmd.OutOrStdout(), val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value by its dotted key. Known keys are checked
before the file is written: stream.* delays and attempts must be integers
within range, URLs must be http(s) and log_level one of debug, info, warn
or error.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		loadConfig() // writes defaults on first use
		prev, prevErr := config.GetValue(cfgPath, key)
		if err := config.SetValue(cfgPath, key, value); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if config.IsSecretKey(key) {
			fmt.Fprintf(out, "Set %s = ***\n", key)
			return nil
		}
		if prevErr == nil && fmt.Sprint(prev) != value {
			fmt.Fprintf(out, "Set %s = %s (was %v)\n", key, value, prev)
			return nil
		}
		fmt.Fprintf(out, "Set %s = %s\n", key, value)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration file for invalid values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Validate(loadConfig()); err != nil {
			return fmt.Errorf("invalid config %s:\n%w", cfgPath, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is valid.\n", cfgPath)
		return nil
	},
}
