package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/conductor/config"
	"github.com/GoCodeAlone/conductor/server"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create or inspect the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "conductor.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.Write(path, config.DefaultConfig()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s wrote %s\n", color.GreenString("✓"), path)
		fmt.Fprintln(cmd.OutOrStdout(), "  set auth.admin_pass with: conductord hash-password")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration after env overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret != "" {
			cfg.Auth.JWTSecret = "<redacted>"
		}
		if cfg.Ledger.RedisPassword != "" {
			cfg.Ledger.RedisPassword = "<redacted>"
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", color.RedString("✗"), err)
		}
		return enc.Close()
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Print the bcrypt hash to store in auth.admin_pass",
	Long:  "Hashes the password given as argument, or the first line of stdin when omitted.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var pw string
		if len(args) == 1 {
			pw = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("read password: %w", err)
			}
			pw = strings.TrimRight(line, "\r\n")
		}
		if pw == "" {
			return errors.New("password must not be empty")
		}
		hash, err := server.HashPassword(pw)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
