package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/autotag/internal/config"
	"github.com/yairfalse/autotag/internal/mapping"
	"github.com/yairfalse/autotag/internal/plugin/aws"
	"github.com/yairfalse/autotag/pkg/resource"
)

var (
	mappingOutput   string
	mappingSeedFile string
	mappingForce    bool
)

// mappingCmd groups the mapping subcommands
var mappingCmd = &cobra.Command{
	Use:   "mapping",
	Short: "Inspect and seed the event-to-resource-type mapping",
	Long: `The mapping lists, in processing order, which CloudTrail event creates
which resource type. It is read from a local file, an S3 JSON document or a
DynamoDB table depending on mapping.source.`,
}

var mappingShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configured mapping",
	Args:  cobra.NoArgs,
	RunE:  runMappingShow,
}

var mappingValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configured mapping loads and every entry is complete",
	Args:  cobra.NoArgs,
	RunE:  runMappingValidate,
}

var mappingSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write the default mapping, or one from a file, to the configured store",
	Example: `  autotag mapping seed                        # Write the four default entries
  autotag mapping seed --file mapping.yaml    # Copy a local mapping to S3 or DynamoDB
  autotag mapping seed --force                # Overwrite an existing mapping`,
	Args: cobra.NoArgs,
	RunE: runMappingSeed,
}

func init() {
	rootCmd.AddCommand(mappingCmd)
	mappingCmd.AddCommand(mappingShowCmd, mappingValidateCmd, mappingSeedCmd)

	mappingShowCmd.Flags().StringVarP(&mappingOutput, "output", "o", "table", "Output format: table, json")
	mappingSeedCmd.Flags().StringVarP(&mappingSeedFile, "file", "f", "", "YAML or JSON mapping to seed instead of the defaults")
	mappingSeedCmd.Flags().BoolVar(&mappingForce, "force", false, "Overwrite an existing mapping")
}

func runMappingShow(cmd *cobra.Command, args []string) error {
	if err := validateOutput(mappingOutput); err != nil {
		return err
	}
	store, err := mappingStore(cmd)
	if err != nil {
		return err
	}
	entries, err := store.Load(cmd.Context())
	if err != nil {
		return err
	}
	return printMappings(os.Stdout, mappingOutput, entries)
}

func runMappingValidate(cmd *cobra.Command, args []string) error {
	store, err := mappingStore(cmd)
	if err != nil {
		return err
	}
	entries, err := store.Load(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "mapping OK: %d entries from %s\n", len(entries), store.Name())
	return nil
}

func runMappingSeed(cmd *cobra.Command, args []string) error {
	store, err := mappingStore(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	entries, err := seedEntries(ctx, mappingSeedFile)
	if err != nil {
		return err
	}

	if err := seed(ctx, store, entries, mappingForce); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d entries into %s\n", len(entries), store.Name())
	return nil
}

func seedEntries(ctx context.Context, path string) ([]resource.Mapping, error) {
	if path == "" {
		return mapping.Default(), nil
	}
	return mapping.NewFileStore(path).Load(ctx)
}

// seed writes entries unless the store already holds a valid mapping and
// force is false.
func seed(ctx context.Context, store mapping.Store, entries []resource.Mapping, force bool) error {
	if err := mapping.Validate(entries); err != nil {
		return fmt.Errorf("validate seed mapping: %w", err)
	}
	if !force {
		if existing, err := store.Load(ctx); err == nil && len(existing) > 0 {
			return fmt.Errorf("%s already holds %d entries (use --force to overwrite)", store.Name(), len(existing))
		}
	}
	return store.Save(ctx, entries)
}

func mappingStore(cmd *cobra.Command) (mapping.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Mapping.Source == config.MappingSourceFile {
		return mapping.Open(cfg.Mapping, mapping.Clients{})
	}

	p, err := aws.New(cmd.Context(), aws.Config{Region: cfg.AWS.Region, Profile: cfg.AWS.Profile})
	if err != nil {
		return nil, fmt.Errorf("create aws plugin: %w", err)
	}
	return mapping.Open(cfg.Mapping, mapping.Clients{S3: p.S3(), DynamoDB: p.DynamoDB()})
}
