package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sark-gateway/sark/internal/domain/principal"
)

var useArgon2 bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate a hash for an API key",
	Long: `Generate a hash of an API key for use in config.

By default the output is "sha256:<hex>", usable directly in the
auth.api_keys.key_hash field. With --argon2 the output is an Argon2id
hash, preferred for keys issued to third parties.

Example:
  sark hash-key "my-secret-api-key"
  # Output: sha256:7d5e8c...

Security note: the key will appear in shell history. Prefer passing an
environment variable:
  sark hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if useArgon2 {
			hash, err := principal.HashKeyArgon2id(args[0])
			if err != nil {
				return fmt.Errorf("hash key: %w", err)
			}
			fmt.Println(hash)
			return nil
		}
		fmt.Printf("sha256:%s\n", principal.HashKey(args[0]))
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&useArgon2, "argon2", false, "use Argon2id instead of SHA-256")
	rootCmd.AddCommand(hashKeyCmd)
}
