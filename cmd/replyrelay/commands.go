package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/medapply/replyrelay/internal/database"
	"github.com/medapply/replyrelay/internal/email/inbound/address"
	"github.com/medapply/replyrelay/internal/email/inbound/signature"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := database.Open(cmd.Context(), cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()

		applied, err := database.Migrate(cmd.Context(), db, log.New(os.Stderr, "", log.LstdFlags))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d migrations applied\n", applied)
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <recipient>",
	Short: "Show how a recipient address is decoded",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := address.Resolve(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "kind:           %s\n", res.Kind)
		fmt.Fprintf(out, "email:          %s\n", res.Email)
		printIfSet := func(label, value string) {
			if value != "" {
				fmt.Fprintf(out, "%-15s %s\n", label+":", value)
			}
		}
		printIfSet("application_id", res.ApplicationID)
		printIfSet("app_short_id", res.AppShortID)
		printIfSet("alias", res.Alias)
		printIfSet("reply_token", res.ReplyToken)
		return nil
	},
}

var signCmd = &cobra.Command{
	Use:   "sign <timestamp> <token>",
	Short: "Compute a webhook signature with the configured signing key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Mail.Webhook.SigningKey == "" {
			return fmt.Errorf("mail.webhook.signing_key is not set")
		}
		fmt.Fprintln(cmd.OutOrStdout(), signature.NewVerifier(cfg.Mail.Webhook.SigningKey).Sign(args[0], args[1]))
		return nil
	},
}

var (
	buildKind   string
	buildAlias  string
	buildAppID  string
	buildToken  string
	buildDomain string
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Issue a reply address for an alias or application",
	Long: `Build formats a reply address in one of the four grammars. A fresh
reply token is generated when --token is omitted. The domain defaults to
mail.domain from the configuration.`,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().StringVar(&buildKind, "kind", "short", "Address grammar: legacy, friendly, short or bare")
	buildCmd.Flags().StringVar(&buildAlias, "alias", "", "User alias (friendly, short, bare)")
	buildCmd.Flags().StringVar(&buildAppID, "application", "", "Application id (legacy, friendly)")
	buildCmd.Flags().StringVar(&buildToken, "token", "", "Reply token; generated when empty")
	buildCmd.Flags().StringVar(&buildDomain, "domain", "", "Relay domain; defaults to mail.domain")
}

func runBuild(cmd *cobra.Command, args []string) error {
	domain := buildDomain
	if domain == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		domain = cfg.Mail.Domain
	}

	token := buildToken
	if token == "" && buildKind != "bare" {
		generated, err := address.NewReplyToken(16)
		if err != nil {
			return err
		}
		token = generated
	}

	var (
		addr string
		err  error
	)
	switch buildKind {
	case "legacy":
		addr, err = address.BuildLegacy(buildAppID, token, domain)
	case "friendly":
		addr, err = address.BuildFriendly(buildAlias, buildAppID, token, domain)
	case "short":
		addr, err = address.BuildShort(buildAlias, token, domain)
	case "bare":
		addr, err = address.BuildBare(buildAlias, domain)
	default:
		return fmt.Errorf("unknown address kind %q", buildKind)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, addr)
	if token != "" && buildToken == "" {
		fmt.Fprintf(out, "reply_token:    %s\n", token)
	}
	return nil
}
