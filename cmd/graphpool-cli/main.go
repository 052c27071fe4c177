// Command graphpool-cli is an example client for a graphpool-managed
// deployment: it loads a YAML config, opens a pool, and runs one statement
// or prints pool stats.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/graphpool/graphpool"
	internalconfig "github.com/graphpool/graphpool/internal/config"
)

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("graphpool")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:               "graphpool-cli",
		Short:             "Run statements against a graphpool-managed connection pool",
		DisableAutoGenTag: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a graphpool YAML config file")
	v.BindPFlag("config", root.PersistentFlags().Lookup("config"))

	root.AddCommand(newQueryCmd(v))
	root.AddCommand(newStatsCmd(v))
	return root
}

// loadPoolConfig resolves the config path via viper (flag, falling back to
// the GRAPHPOOL_CONFIG env var) and parses it with internal/config.Load,
// which viper itself doesn't do env-substitution the way this repo needs.
func loadPoolConfig(v *viper.Viper) (graphpool.PoolConfig, error) {
	path := v.GetString("config")
	if path == "" {
		return graphpool.PoolConfig{}, fmt.Errorf("no config file given: pass --config or set GRAPHPOOL_CONFIG")
	}

	fc, err := internalconfig.Load(path)
	if err != nil {
		return graphpool.PoolConfig{}, fmt.Errorf("loading config: %w", err)
	}
	return graphpool.FromFileConfig(fc), nil
}

func newQueryCmd(v *viper.Viper) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "query <statement>",
		Short: "Run a single statement and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pc, err := loadPoolConfig(v)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout+5*time.Second)
			defer cancel()

			pool, err := graphpool.New(ctx, pc)
			if err != nil {
				return fmt.Errorf("opening pool: %w", err)
			}
			defer pool.Close(context.Background())

			execCtx, execCancel := context.WithTimeout(ctx, timeout)
			defer execCancel()

			result, err := pool.Execute(execCtx, args[0])
			if err != nil {
				return fmt.Errorf("executing statement: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "statement execution timeout")
	return cmd
}

func newStatsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Open the pool briefly and print connection stats as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pc, err := loadPoolConfig(v)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			pool, err := graphpool.New(ctx, pc)
			if err != nil {
				return fmt.Errorf("opening pool: %w", err)
			}
			defer pool.Close(context.Background())

			time.Sleep(200 * time.Millisecond)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(pool.Stats())
		},
	}
	return cmd
}
