package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

var hashPasswordFlags struct {
	password string
	cost     int
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Hash a token for --socket-token-hash, using bcrypt",
	RunE: func(cmd *cobra.Command, args []string) error {
		plain := hashPasswordFlags.password
		if plain == "" {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("hash-password: --password required when stdin is not a tty")
			}
			fmt.Fprint(os.Stderr, "token: ")
			b, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("hash-password: reading token: %w", err)
			}
			plain = string(b)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(plain), hashPasswordFlags.cost)
		if err != nil {
			return fmt.Errorf("hash-password: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(hash))
		return nil
	},
}

func init() {
	hashPasswordCmd.Flags().StringVar(&hashPasswordFlags.password, "password", "", "token to hash; prompted on a tty if omitted")
	hashPasswordCmd.Flags().IntVar(&hashPasswordFlags.cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	rootCmd.AddCommand(hashPasswordCmd)
}
