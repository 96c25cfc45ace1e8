package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/org/healthlink/internal/crypto"
)

var rootCmd = &cobra.Command{
	Use:   "shl",
	Short: "Health link CLI",
	Long:  "A CLI for issuing, inspecting and resolving shareable health links.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(revokeCmd())
	rootCmd.AddCommand(refreshCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(keygenCmd())
}

// managementToken resolves the token from args, then config.
func managementToken(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return cfg.ManagementToken
}

func createCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new health link",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			categories, _ := cmd.Flags().GetString("categories")
			flags, _ := cmd.Flags().GetString("flags")
			passcode, _ := cmd.Flags().GetString("passcode")
			label, _ := cmd.Flags().GetString("label")
			expires, _ := cmd.Flags().GetString("expires-in")
			includeCards, _ := cmd.Flags().GetBool("include-cards")

			body := map[string]any{
				"subjectId":          subject,
				"categories":         strings.Split(categories, ","),
				"flags":              flags,
				"includeHealthCards": includeCards,
			}
			if passcode != "" {
				body["passcode"] = passcode
			}
			if label != "" {
				body["label"] = label
			}
			if expires != "" {
				d, err := time.ParseDuration(expires)
				if err != nil {
					return fmt.Errorf("invalid expires-in: %w", err)
				}
				body["expirationTime"] = time.Now().Add(d).Unix()
			}

			client := newClient()
			result, err := client.post("/api/shl", body)
			if err != nil {
				printError(err.Error())
				return nil
			}
			if token, ok := result["managementToken"].(string); ok {
				cfg.ManagementToken = token
				if err := saveConfig(); err != nil {
					printError("could not save management token: " + err.Error())
				}
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Subject (member) ID the link covers")
	cmd.Flags().String("categories", "IMMUNIZATIONS", "Comma-separated data categories")
	cmd.Flags().String("flags", "", "Link flags: L, P, U in any combination")
	cmd.Flags().String("passcode", "", "Passcode (requires the P flag)")
	cmd.Flags().String("label", "", "Human-readable label")
	cmd.Flags().String("expires-in", "", "Expiry as a duration from now, e.g. 720h")
	cmd.Flags().Bool("include-cards", false, "Also produce signed health cards")
	cmd.MarkFlagRequired("subject") //nolint:errcheck
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [management-token]",
		Short: "Show a link's status and files",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			client.token = managementToken(args)
			result, err := client.get("/api/shl/status")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke [management-token]",
		Short: "Permanently revoke a link",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			client.token = managementToken(args)
			result, err := client.post("/api/shl/revoke", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [management-token]",
		Short: "Re-fetch and re-encrypt a long-term link's data",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			client.token = managementToken(args)
			result, err := client.post("/api/shl/refresh", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

func resolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <shlink-uri>",
		Short: "Resolve a link URI and decrypt its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passcode, _ := cmd.Flags().GetString("passcode")
			recipient, _ := cmd.Flags().GetString("recipient")

			raw := strings.TrimPrefix(args[0], "shlink:/")
			decoded, err := base64.RawURLEncoding.DecodeString(raw)
			if err != nil {
				return fmt.Errorf("invalid link URI: %w", err)
			}
			var payload struct {
				URL  string `json:"url"`
				Key  string `json:"key"`
				Flag string `json:"flag"`
			}
			if err := json.Unmarshal(decoded, &payload); err != nil {
				return fmt.Errorf("invalid link payload: %w", err)
			}

			client := newClient()
			if strings.Contains(payload.Flag, "U") {
				ciphertext, err := client.getRaw(payload.URL + "?recipient=" + recipient)
				if err != nil {
					printError(err.Error())
					return nil
				}
				plain, err := crypto.DecryptJWE(string(ciphertext), payload.Key)
				if err != nil {
					printError("decryption failed: " + err.Error())
					return nil
				}
				fmt.Println(string(plain))
				return nil
			}

			body := map[string]any{
				"recipient":         recipient,
				"embeddedLengthMax": 16 << 20,
			}
			if passcode != "" {
				body["passcode"] = passcode
			}
			resp, err := client.http.Post(payload.URL, "application/json", jsonBody(body))
			if err != nil {
				printError(err.Error())
				return nil
			}
			manifest, err := parseResponse(resp)
			if err != nil {
				printError(err.Error())
				return nil
			}

			files, _ := manifest["files"].([]any)
			for i, f := range files {
				fm, _ := f.(map[string]any)
				embedded, _ := fm["embedded"].(string)
				if embedded == "" {
					if loc, _ := fm["location"].(string); loc != "" {
						data, err := client.getRaw(loc)
						if err != nil {
							printError(fmt.Sprintf("file %d: %v", i, err))
							continue
						}
						embedded = string(data)
					}
				}
				plain, err := crypto.DecryptJWE(embedded, payload.Key)
				if err != nil {
					printError(fmt.Sprintf("file %d: decryption failed", i))
					continue
				}
				fmt.Println(string(plain))
			}
			return nil
		},
	}
	cmd.Flags().String("passcode", "", "Passcode for protected links")
	cmd.Flags().String("recipient", "shl-cli", "Recipient label recorded in the access log")
	return cmd
}

func memberCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "member", Short: "Member dashboard commands"}

	linksCmd := &cobra.Command{
		Use:   "links <subject-id>",
		Short: "List a member's links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/api/member/" + args[0] + "/links")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	logCmd := &cobra.Command{
		Use:   "access-log <subject-id>",
		Short: "Show a member's access log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			result, err := newClient().get(fmt.Sprintf("/api/member/%s/access-log?limit=%d", args[0], limit))
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	logCmd.Flags().Int("limit", 50, "Maximum events to return")

	prefsCmd := &cobra.Command{
		Use:   "preferences <subject-id>",
		Short: "Show or set a member's sharing preference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			if !cmd.Flags().Changed("sharing") {
				result, err := client.get("/api/member/" + args[0] + "/preferences")
				if err != nil {
					printError(err.Error())
					return nil
				}
				printResult(result)
				return nil
			}
			sharing, _ := cmd.Flags().GetBool("sharing")
			result, err := client.put("/api/member/"+args[0]+"/preferences", map[string]any{"sharingEnabled": sharing})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	prefsCmd.Flags().Bool("sharing", true, "Enable or disable sharing")

	purgeCmd := &cobra.Command{
		Use:   "purge <subject-id>",
		Short: "Delete all of a member's links, files and events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().delete("/api/member/" + args[0]); err != nil {
				printError(err.Error())
				return nil
			}
			fmt.Println("purged")
			return nil
		},
	}

	cmd.AddCommand(linksCmd, logCmd, prefsCmd, purgeCmd)
	return cmd
}

func keygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a P-256 signing key as a JWK file",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			jwk, err := crypto.GenerateSigningKey()
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, jwk, 0600); err != nil {
				return err
			}
			signer, err := crypto.NewSigner(jwk)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s (kid %s)\n", out, signer.KeyID())
			return nil
		},
	}
	cmd.Flags().String("out", "signing-key.jwk", "Output file")
	return cmd
}
