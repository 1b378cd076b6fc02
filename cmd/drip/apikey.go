package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

var apikeyPrompt bool

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "API key commands",
}

var apikeyHashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Generate an API key and its bcrypt hash",
	Long: `Generate a random API key and print it with the bcrypt hash to put
into server.api_key_hash. With --prompt the key is read from the terminal.`,
	RunE: runAPIKeyHash,
}

func init() {
	apikeyHashCmd.Flags().BoolVar(&apikeyPrompt, "prompt", false, "Read the key from the terminal instead of generating one")

	apikeyCmd.AddCommand(apikeyHashCmd)
	rootCmd.AddCommand(apikeyCmd)
}

func runAPIKeyHash(cmd *cobra.Command, args []string) error {
	var key string
	if apikeyPrompt {
		fmt.Print("Enter API key: ")
		b, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return fmt.Errorf("failed to read key: %w", err)
		}
		fmt.Println()
		key = string(b)
		if len(key) < 16 {
			return fmt.Errorf("API key must be at least 16 characters")
		}
	} else {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		key = hex.EncodeToString(buf)
		fmt.Printf("API key:  %s\n", key)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash key: %w", err)
	}

	fmt.Printf("Hash:     %s\n", hash)
	return nil
}
