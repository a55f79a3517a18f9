package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/detectrelay/pkg/jobs"
	"github.com/psantana5/detectrelay/pkg/models"
)

var (
	argsInput    string
	argsOutput   string
	argsName     string
	argsDatabase string
	argsWeights  string
)

var argsCmd = &cobra.Command{
	Use:   "args <config-file>",
	Short: "Show the worker command line for a processing config",
	Long: `Reads a processing configuration (JSON or YAML, as sent in start-detection)
and prints the detection worker invocation the server would run for it.`,
	Args: cobra.ExactArgs(1),
	RunE: runArgs,
}

func init() {
	rootCmd.AddCommand(argsCmd)

	argsCmd.Flags().StringVar(&argsInput, "input", "video.mp4", "input video path")
	argsCmd.Flags().StringVar(&argsOutput, "video-dir", "videos", "output directory")
	argsCmd.Flags().StringVar(&argsName, "name", "session", "session id")
	argsCmd.Flags().StringVar(&argsDatabase, "database", "database", "faces database directory")
	argsCmd.Flags().StringVar(&argsWeights, "weights", "", "custom weights path")
}

// readProcessingConfig decodes path as YAML, or JSON for .json files.
func readProcessingConfig(path string) (models.ProcessingConfig, error) {
	var cfg models.ProcessingConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

func runArgs(cmd *cobra.Command, args []string) error {
	cfg, err := readProcessingConfig(args[0])
	if err != nil {
		return err
	}

	argv := jobs.BuildArguments(cfg, argsInput, argsOutput, argsName, argsDatabase, argsWeights)

	if IsJSONOutput() {
		output, err := json.MarshalIndent(argv, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(output))
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), strings.Join(append([]string{jobs.DefaultCommand, jobs.DefaultProgram}, argv...), " "))
	return nil
}
