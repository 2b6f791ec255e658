package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"osce/pkg/config"
)

// runSecretsSet stores one secret, creating the encrypted file on first use.
func runSecretsSet(configPath, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("secret name is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	exists := config.SecretsFileExists(cfg.SecretsFile)
	password, err := promptForPassword(!exists)
	if err != nil {
		return err
	}

	creds := config.NewCredentials()
	if exists {
		if creds, err = config.LoadCredentials(cfg.SecretsFile, password); err != nil {
			return err
		}
	}

	value, err := readHidden(fmt.Sprintf("Enter %s: ", name))
	if err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("%s must not be empty", name)
	}
	creds.Set(name, value)

	if err := creds.Save(cfg.SecretsFile, password); err != nil {
		return err
	}
	fmt.Printf("✅ %s saved to %s (file permissions: 0600)\n", name, cfg.SecretsFile)
	return nil
}

// promptForPassword reads the secrets password, asking twice when creating the file.
func promptForPassword(confirm bool) (string, error) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		password, err := readHidden("Secrets password: ")
		if err != nil {
			return "", err
		}
		if password == "" {
			return "", errors.New("password must not be empty")
		}
		if !confirm {
			return password, nil
		}
		again, err := readHidden("Confirm password: ")
		if err != nil {
			return "", err
		}
		if password == again {
			fmt.Printf("💡 Set %s to start the server without a prompt.\n", config.EnvSecretsPass)
			return password, nil
		}
		fmt.Println("❌ Passwords do not match. Please try again.")
	}
	return "", fmt.Errorf("passwords do not match after %d attempts", maxAttempts)
}

func readHidden(prompt string) (string, error) {
	fmt.Print(prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd())) //nolint:gosec // fd fits in int
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	value := strings.TrimSpace(string(raw))
	clear(raw)
	return value, nil
}
