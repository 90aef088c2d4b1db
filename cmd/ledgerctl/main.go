package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmerrifield20/AuditLedger/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli holds the global flags and config shared by every subcommand.
type cli struct {
	cfgFile   string
	server    string
	format    string
	insecure  bool
	serviceID string
	secret    string
	token     string

	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Audit ledger operator CLI",
		Long: `ledgerctl queries, verifies and appends to the audit ledger.

Settings come from flags, then LEDGERCTL_* environment variables, then
~/.ledgerctl/config.yaml:

  server: https://ledger.internal:8080
  service_id: admin-portal
  secret: "..."
  format: text`,
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return c.loadConfig(cmd) },
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "config file (default ~/.ledgerctl/config.yaml)")
	pf.StringVar(&c.server, "server", "", "ledger service URL (default http://localhost:8080)")
	pf.StringVar(&c.format, "format", "", "output format: text, json or yaml")
	pf.BoolVar(&c.insecure, "insecure", false, "skip TLS certificate verification (development only)")
	pf.StringVar(&c.serviceID, "service-id", "", "service ID for the write API")
	pf.StringVar(&c.secret, "secret", "", "service secret for the write API")
	pf.StringVar(&c.token, "token", "", "bearer token for the write API (skips the secret exchange)")

	root.AddCommand(
		newQueryCmd(c),
		newVerifyCmd(c),
		newGetCmd(c),
		newTailCmd(c),
		newAppendCmd(c),
		newHashSecretCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the ledgerctl version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "ledgerctl", version)
			},
		},
	)
	return root
}

func (c *cli) loadConfig(cmd *cobra.Command) error {
	if c.cfgFile != "" {
		c.v.SetConfigFile(c.cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		c.v.AddConfigPath(filepath.Join(home, ".ledgerctl"))
		c.v.SetConfigName("config")
		c.v.SetConfigType("yaml")
	}
	c.v.SetEnvPrefix("ledgerctl")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	c.v.SetDefault("server", "http://localhost:8080")
	c.v.SetDefault("format", "text")

	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if c.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = c.v.GetString(key)
		}
	}
	fill(&c.server, "server")
	fill(&c.format, "format")
	fill(&c.serviceID, "service_id")
	fill(&c.secret, "secret")
	fill(&c.token, "token")

	switch c.format {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown --format %q (want text, json or yaml)", c.format)
	}
	return nil
}

// client builds an SDK client. Credentials are attached only when withAuth
// is set.
func (c *cli) client(withAuth bool) (*client.Client, error) {
	var opts []client.Option
	if c.insecure {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	if withAuth {
		switch {
		case c.token != "":
			opts = append(opts, client.WithBearerToken(c.token))
		case c.serviceID != "" && c.secret != "":
			opts = append(opts, client.WithCredentials(c.serviceID, c.secret))
		default:
			return nil, fmt.Errorf("the write API needs --token, or --service-id and --secret")
		}
	}
	return client.New(c.server, opts...)
}

func (c *cli) printer(w io.Writer) *printer {
	return &printer{w: w, format: c.format}
}
