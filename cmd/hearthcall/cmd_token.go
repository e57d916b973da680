package main

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"

	"github.com/hearthshare/hearthcall/internal/config"
	"github.com/hearthshare/hearthcall/internal/token"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the bridge access token",
	Long:  `Generate, rotate, and check status of the token the household UI uses to talk to the bridge`,
}

var tokenGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new bridge token",
	Long:  `Generate a new bridge token and save its hash to the configuration file. Creates a default config if it doesn't exist.`,
	Run: func(cmd *cobra.Command, args []string) {
		generateToken(cfgFile)
	},
}

var tokenRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the existing bridge token",
	Long:  `Replace the existing bridge token with a new one. This will invalidate the old token.`,
	Run: func(cmd *cobra.Command, args []string) {
		rotateToken(cfgFile)
	},
}

var tokenStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show bridge token status",
	Long:  `Display the current bridge token status and creation timestamp`,
	Run: func(cmd *cobra.Command, args []string) {
		statusToken(cfgFile)
	},
}

func init() {
	tokenCmd.AddCommand(tokenGenerateCmd)
	tokenCmd.AddCommand(tokenRotateCmd)
	tokenCmd.AddCommand(tokenStatusCmd)
	rootCmd.AddCommand(tokenCmd)
}

func generateToken(configPath string) {
	_, err := os.Stat(configPath)
	configExists := err == nil

	if !configExists {
		fmt.Printf("Config file not found. Creating default config at: %s\n", configPath)
		if err := os.WriteFile(configPath, []byte(config.DefaultConfigYAML), 0600); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Default configuration created.")
		fmt.Println()
	} else {
		cfg, err := loadConfigForToken(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		if cfg.Bridge.Token.Hash != "" {
			fmt.Println("ERROR: A bridge token is already configured.")
			fmt.Println()
			fmt.Println("Use 'hearthcall token rotate' to replace it.")
			os.Exit(1)
		}
	}

	tok, hash, err := token.GenerateWithHash()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
		os.Exit(1)
	}

	if err := updateConfigWithToken(configPath, hash, token.CreatedAt()); err != nil {
		fmt.Fprintf(os.Stderr, "Error updating config: %v\n", err)
		os.Exit(1)
	}

	if err := os.Chmod(configPath, 0600); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to set config file permissions: %v\n", err)
	}

	fmt.Println("New bridge token generated:")
	fmt.Println()
	fmt.Printf("    %s\n", tok)
	fmt.Println()
	fmt.Println("IMPORTANT: Save this token securely. It will not be shown again.")
	fmt.Printf("Token hash saved to: %s\n", configPath)
	fmt.Println()
	fmt.Println("The config file permissions have been set to 0600 (owner read/write only).")
}

func rotateToken(configPath string) {
	cfg, err := loadConfigForToken(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Bridge.Token.Hash == "" {
		fmt.Println("ERROR: No bridge token is currently configured.")
		fmt.Println()
		fmt.Println("Use 'hearthcall token generate' to create one.")
		os.Exit(1)
	}

	fmt.Println("WARNING: This will invalidate the current bridge token.")
	fmt.Print("Are you sure you want to continue? (yes/no): ")

	var response string
	fmt.Scanln(&response)

	if response != "yes" {
		fmt.Println("Rotation cancelled.")
		os.Exit(0)
	}

	tok, hash, err := token.GenerateWithHash()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
		os.Exit(1)
	}

	if err := updateConfigWithToken(configPath, hash, token.CreatedAt()); err != nil {
		fmt.Fprintf(os.Stderr, "Error updating config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("Bridge token rotated successfully:")
	fmt.Println()
	fmt.Printf("    %s\n", tok)
	fmt.Println()
	fmt.Println("IMPORTANT: Save this token securely. It will not be shown again.")
	fmt.Printf("Token hash saved to: %s\n", configPath)
	fmt.Println()
	fmt.Println("Remember to update the household UI with the new token.")
}

func statusToken(configPath string) {
	cfg, err := loadConfigForToken(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Bridge.Token.Hash == "" {
		fmt.Println("Status: No bridge token configured")
		fmt.Println()
		fmt.Println("Generate one with:")
		fmt.Printf("    hearthcall token generate -c %s\n", configPath)
	} else {
		fmt.Println("Status: Bridge token configured")
		if cfg.Bridge.Token.CreatedAt != "" {
			fmt.Printf("Created: %s\n", cfg.Bridge.Token.CreatedAt)
		}
		fmt.Printf("Hash: %s...\n", cfg.Bridge.Token.Hash[:20])
	}
}

func loadConfigForToken(configPath string) (*config.Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var cfg config.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func updateConfigWithToken(configPath, hash, createdAt string) error {
	k := koanf.New(".")
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	k.Set("bridge.token.hash", hash)
	k.Set("bridge.token.created_at", createdAt)

	yamlBytes, err := k.Marshal(yaml.Parser())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, yamlBytes, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
