package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pulsepoint/pulsetree/internal/config"
	"github.com/pulsepoint/pulsetree/internal/project"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a new pulsetree project",
	Long: `Create a new project in the given directory (default: current directory).

This command writes:
- default.project.json - The project manifest
- src/shared, src/server, src/client - Source directories the manifest maps
- .pulseignore - Ignore patterns for the watcher

With --config it also writes ~/.pulsetree/config.yaml with the defaults.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().Bool("force", false, "Overwrite existing files")
	initCmd.Flags().String("name", "", "Project name (default: directory name)")
	initCmd.Flags().Bool("config", false, "Also write the default user configuration")
}

func runInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	name, _ := cmd.Flags().GetString("name")
	writeConfig, _ := cmd.Flags().GetBool("config")

	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}
	if name == "" {
		name = filepath.Base(absDir)
	}

	manifestPath, err := initProject(absDir, name, force)
	if err != nil {
		return err
	}

	fmt.Printf("✅ Project %q initialized successfully!\n", name)
	fmt.Printf("📝 Manifest: %s\n", manifestPath)

	if writeConfig {
		configPath, err := initUserConfig(force)
		if err != nil {
			return err
		}
		fmt.Printf("⚙️  Configuration file: %s\n", configPath)
	}

	fmt.Printf("\n")
	fmt.Printf("Next steps:\n")
	fmt.Printf("1. Add source files under %s\n", filepath.Join(absDir, "src"))
	fmt.Printf("2. Run 'pulsetree serve %s' to start serving\n", dir)

	return nil
}

// initProject writes the default manifest, source directories and ignore
// file into dir, returning the manifest path
func initProject(dir, name string, force bool) (string, error) {
	manifestPath := filepath.Join(dir, project.DefaultFileName)
	if _, err := os.Stat(manifestPath); err == nil && !force {
		return "", fmt.Errorf("project already exists at %s. Use --force to overwrite", manifestPath)
	}

	for _, sub := range []string{"shared", "server", "client"} {
		if err := os.MkdirAll(filepath.Join(dir, "src", sub), 0755); err != nil {
			return "", fmt.Errorf("failed to create src/%s directory: %w", sub, err)
		}
	}

	if err := os.WriteFile(manifestPath, project.DefaultManifest(name), 0644); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}

	ignorePath := filepath.Join(dir, ".pulseignore")
	if _, err := os.Stat(ignorePath); os.IsNotExist(err) || force {
		contents := "# Patterns here are not mirrored into the instance tree\n*.tmp\n*.bak\n"
		if err := os.WriteFile(ignorePath, []byte(contents), 0644); err != nil {
			return "", fmt.Errorf("failed to write ignore file: %w", err)
		}
	}

	return manifestPath, nil
}

// initUserConfig writes the default configuration as YAML
func initUserConfig(force bool) (string, error) {
	configPath := configFilePath()
	if _, err := os.Stat(configPath); err == nil && !force {
		return "", fmt.Errorf("configuration already exists at %s. Use --force to overwrite", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return "", fmt.Errorf("failed to create configuration directory: %w", err)
	}

	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return "", fmt.Errorf("failed to marshal configuration: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write configuration file: %w", err)
	}
	return configPath, nil
}
