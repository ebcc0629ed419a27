// Package cli — encrypt.go implements the "lorry encrypt" command.
//
// The encrypt command seals KEY=VALUE pairs into secure env blobs that
// can be pasted into .travis.yml. On first use it generates the local
// secret key file; the matching decryption happens automatically during
// matrix expansion when run finds the same key.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lorry-ci/lorry/internal/model"
	"github.com/lorry-ci/lorry/internal/secure"
)

// NewEncryptCommand creates the "encrypt" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewEncryptCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt KEY=VALUE [KEY=VALUE...]",
		Short: "Encrypt env values for use in .travis.yml",
		Long: `Encrypt KEY=VALUE pairs into secure blobs for .travis.yml.

The output is a ready-to-paste YAML snippet. Blobs are bound to the
local secret key file, which is generated on first use; anyone without
that key file cannot read the values.

Examples:
  lorry encrypt COVERAGE_TOKEN=abc123
  lorry encrypt USER=deploy PASS=hunter2 --json`,

		Args: cobra.MinimumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			return runEncrypt(args)
		},
	}
}

// runEncrypt is the main orchestration function for the encrypt command.
func runEncrypt(args []string) error {
	// Step 1: Validate the pairs up front so nothing is encrypted when
	// one argument is malformed.
	for _, arg := range args {
		if !strings.Contains(arg, "=") {
			return model.NewCLIError(model.ExitInvalidConfig,
				fmt.Sprintf("%q is not of the form KEY=VALUE", arg))
		}
	}

	// Step 2: Load the secret key, creating it on first use.
	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	box, created, err := secure.LoadOrGenerateKey(cfg.Secure.KeyFile)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(os.Stderr, "Generated new secret key at %s — keep it out of version control.\n",
			cfg.Secure.KeyFile)
	}

	// Step 3: Seal each pair.
	blobs := make([]string, 0, len(args))
	for _, arg := range args {
		blob, err := box.Encrypt(arg)
		if err != nil {
			return model.WrapCLIError(model.ExitInternalError, "encryption failed", err)
		}
		blobs = append(blobs, blob)
	}

	printEncryptResult(blobs)
	return nil
}

// printEncryptResult outputs the blobs in text or JSON format.
func printEncryptResult(blobs []string) {
	if IsJSONOutput() {
		printEncryptResultJSON(blobs)
	} else {
		printEncryptResultText(blobs)
	}
}

// printEncryptResultJSON outputs the blobs as structured JSON.
func printEncryptResultJSON(blobs []string) {
	result := map[string]interface{}{
		"secure": blobs,
	}
	data, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(data))
}

// printEncryptResultText outputs the blobs as a ready-to-paste YAML
// snippet:
//
//	env:
//	  global:
//	    - secure: "base64blob"
func printEncryptResultText(blobs []string) {
	fmt.Println("Add to .travis.yml:")
	fmt.Println()
	fmt.Println("env:")
	fmt.Println("  global:")
	for _, blob := range blobs {
		fmt.Printf("    - secure: %q\n", blob)
	}
}
