package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/diagchat/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show and change diagchat settings",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List effective settings and where each comes from",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		settings, err := config.Settings(cfg)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
		for _, s := range settings {
			source := s.Source
			if source == config.SourceEnv {
				source = "env " + config.EnvVar(s.Key)
			}
			fmt.Fprintf(w, "%s\t%v\t%s\n", s.Key, s.Value, source)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the value stored in the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		val, err := config.GetValue(cfgPath, key)
		if err != nil {
			return err
		}
		if s, ok := val.(string); ok && config.IsSecretKey(key) {
			val = config.Mask(s)
		}
		fmt.Fprintln(os.Stdout, val)
		if env := config.EnvVar(key); env != "" && os.Getenv(env) != "" {
			fmt.Fprintf(os.Stderr, "note: %s is set and overrides this value\n", env)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Validate and store a setting",
	Long: "Validate and store a setting. storage.driver takes file or sqlite,\n" +
		"chat.estimator takes heuristic or tiktoken, and the api and realtime\n" +
		"numbers must be positive integers.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, raw := args[0], args[1]
		if err := config.SetValue(cfgPath, key, raw); err != nil {
			return err
		}
		if config.IsSecretKey(key) {
			raw = config.Mask(raw)
			fmt.Fprintf(os.Stderr, "note: %s keeps the password out of the config file\n", config.EnvVar(key))
		}
		fmt.Fprintf(os.Stdout, "Set %s = %s\n", key, raw)
		return nil
	},
}
