package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentvault/agentvault/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	vaultURL string
	cfgFile  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "avctl",
	Short: "AgentVault CLI",
	Long: `avctl is the command-line interface for AgentVault.

It registers agents, manages signed personas, mints anonymous
commitments, and inspects drift standing against an AgentVault server.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.agentvault")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if vaultURL == "" {
			vaultURL = viper.GetString("vault_url")
		}
		if vaultURL == "" {
			vaultURL = "http://localhost:8080"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.agentvault/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&vaultURL, "vault", "", "AgentVault server URL (default http://localhost:8080)")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(personaCmd)
	rootCmd.AddCommand(commitmentCmd)
	rootCmd.AddCommand(driftCmd)
	rootCmd.AddCommand(versionCmd)
}

// credentialsDir returns ~/.agentvault/credentials/<agent-id>/.
func credentialsDir(agentID string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".agentvault", "credentials", agentID), nil
}

// authedClient builds a client from stored credentials for agentID.
func authedClient(agentID string) (*client.Client, error) {
	dir, err := credentialsDir(agentID)
	if err != nil {
		return nil, err
	}
	c, err := client.NewFromCredentialsDir(vaultURL, dir)
	if err != nil {
		return nil, fmt.Errorf("no credentials for %s: %w\n\nRun 'avctl register' first, or place credentials.json under %s", agentID, err, dir)
	}
	return c, nil
}

// ── register ─────────────────────────────────────────────────────────────────

var (
	regName        string
	regOwnerEmail  string
	regTier        string
	regPermissions []string
	regNoSave      bool
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new agent and store its credentials",
	Long: `register mints a new agent identity.

The API key is printed exactly once and saved to
~/.agentvault/credentials/<agent-id>/credentials.json (chmod 600) unless
--no-save is given. The vault keeps only a hash of the key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(vaultURL)
		if err != nil {
			return err
		}

		result, err := c.RegisterAgent(context.Background(), client.RegisterAgentRequest{
			Name:        regName,
			OwnerEmail:  regOwnerEmail,
			Tier:        regTier,
			Permissions: regPermissions,
		})
		if err != nil {
			return fmt.Errorf("register agent: %w", err)
		}

		fmt.Printf("✓ Agent registered\n\n")
		fmt.Printf("  ID:      %s\n", result.AgentID)
		fmt.Printf("  Name:    %s\n", result.Name)
		fmt.Printf("  Tier:    %s\n", result.Tier)
		fmt.Printf("  API key: %s\n\n", result.APIKey)
		fmt.Println("The API key is shown once. The vault stores only its hash.")

		if regNoSave {
			return nil
		}
		dir, err := credentialsDir(result.AgentID)
		if err != nil {
			return err
		}
		if err := client.SaveCredentials(dir, client.Credentials{
			AgentID: result.AgentID,
			APIKey:  result.APIKey,
		}); err != nil {
			return fmt.Errorf("save credentials: %w", err)
		}
		fmt.Printf("\nCredentials saved to %s\n", dir)
		fmt.Printf("Next: avctl persona put %s --file persona.json\n", result.AgentID)
		return nil
	},
}

func init() {
	registerCmd.Flags().StringVar(&regName, "name", "", "Agent display name")
	registerCmd.Flags().StringVar(&regOwnerEmail, "email", "", "Owner email address")
	registerCmd.Flags().StringVar(&regTier, "tier", "", "Service tier (free, pro, enterprise; default free)")
	registerCmd.Flags().StringSliceVar(&regPermissions, "permission", nil, "Permission string (service:resource:action); repeatable")
	registerCmd.Flags().BoolVar(&regNoSave, "no-save", false, "Print the API key without writing credentials to disk")

	_ = registerCmd.MarkFlagRequired("name")
	_ = registerCmd.MarkFlagRequired("email")
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyKey string

var verifyCmd = &cobra.Command{
	Use:   "verify <agent-id>",
	Short: "Verify an agent's credentials against the vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID := args[0]

		key := verifyKey
		if key == "" {
			dir, err := credentialsDir(agentID)
			if err != nil {
				return err
			}
			creds, err := client.LoadCredentials(dir)
			if err != nil {
				return fmt.Errorf("no stored credentials for %s; pass --key: %w", agentID, err)
			}
			key = creds.APIKey
		}

		c, err := client.New(vaultURL)
		if err != nil {
			return err
		}
		res, err := c.VerifyAgent(context.Background(), agentID, key)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}

		if !res.Valid {
			fmt.Println("✗ Credentials rejected")
			os.Exit(1)
		}
		fmt.Printf("✓ Credentials valid\n\n")
		fmt.Printf("  Agent:  %s (%s)\n", res.Name, res.AgentID)
		fmt.Printf("  Status: %s\n", res.Status)
		fmt.Printf("  Tier:   %s\n", res.Tier)
		if len(res.Permissions) > 0 {
			fmt.Printf("  Perms:  %s\n", strings.Join(res.Permissions, ", "))
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyKey, "key", "", "API key (default: stored credentials)")
}

// ── agents ───────────────────────────────────────────────────────────────────

var (
	agentsStatus string
	agentsLimit  int
	agentsFormat string
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(vaultURL)
		if err != nil {
			return err
		}
		agents, err := c.ListAgents(context.Background(), agentsStatus, agentsLimit, 0)
		if err != nil {
			return fmt.Errorf("list agents: %w", err)
		}

		if agentsFormat == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(agents)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tTIER\tPERSONA\tCREATED")
		for _, a := range agents {
			persona := "-"
			if a.PersonaVersion != "" {
				persona = a.PersonaVersion
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				a.AgentID, a.Name, a.Status, a.Tier, persona,
				a.CreatedAt.Format("2006-01-02"))
		}
		return w.Flush()
	},
}

func init() {
	agentsCmd.Flags().StringVar(&agentsStatus, "status", "", "Filter by status (active, inactive, suspended, revoked)")
	agentsCmd.Flags().IntVar(&agentsLimit, "limit", 50, "Maximum agents to list")
	agentsCmd.Flags().StringVar(&agentsFormat, "format", "text", "Output format: text or json")
}

// ── revoke ───────────────────────────────────────────────────────────────────

var (
	revokeForce bool
	revokeAs    string
)

var revokeCmd = &cobra.Command{
	Use:   "revoke <agent-id>",
	Short: "Permanently revoke an agent",
	Long: `revoke marks an agent as revoked in the vault.

Revocation is terminal: the agent's credentials stop verifying and all of
its active commitments are cleared. There is no un-revoke.

The call is authenticated with the target agent's stored credentials;
revoking someone else's agent needs an identity holding the manage grant
for it (use --as to pick whose credentials to send).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID := args[0]
		ctx := context.Background()

		asID := revokeAs
		if asID == "" {
			asID = agentID
		}
		c, err := authedClient(asID)
		if err != nil {
			return err
		}

		agent, err := c.GetAgent(ctx, agentID)
		if err != nil {
			return fmt.Errorf("get agent %q: %w", agentID, err)
		}

		fmt.Printf("\nAgent to revoke:\n\n")
		fmt.Printf("  ID:     %s\n", agent.AgentID)
		fmt.Printf("  Name:   %s\n", agent.Name)
		fmt.Printf("  Owner:  %s\n", agent.OwnerEmail)
		fmt.Printf("  Status: %s\n\n", agent.Status)

		if !revokeForce {
			fmt.Print("This action cannot be undone. Confirm revocation? [y/N]: ")
			reader := bufio.NewReader(os.Stdin)
			answer, _ := reader.ReadString('\n')
			if strings.ToLower(strings.TrimSpace(answer)) != "y" {
				fmt.Println("Aborted.")
				return nil
			}
		}

		if err := c.RevokeAgent(ctx, agentID); err != nil {
			return fmt.Errorf("revoke failed: %w", err)
		}
		fmt.Printf("✓ Agent revoked: %s\n", agentID)
		return nil
	},
}

func init() {
	revokeCmd.Flags().BoolVar(&revokeForce, "force", false, "Skip confirmation prompt")
	revokeCmd.Flags().StringVar(&revokeAs, "as", "", "Agent ID whose credentials authenticate the call (default: the target)")
}

// ── persona ──────────────────────────────────────────────────────────────────

var personaCmd = &cobra.Command{
	Use:   "persona",
	Short: "Manage signed behavioral personas",
	Long: `persona manages the signed behavioral profile bound to an agent.

Personas are canonicalized and HMAC-signed with the agent's API key; any
out-of-band change to the stored persona is detected by 'persona check'.`,
}

var (
	personaFile   string
	personaPrompt bool
)

var personaGetCmd = &cobra.Command{
	Use:   "get <agent-id>",
	Short: "Fetch an agent's persona",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(vaultURL)
		if err != nil {
			return err
		}
		rec, err := c.GetPersona(context.Background(), args[0], personaPrompt)
		if err != nil {
			return fmt.Errorf("get persona: %w", err)
		}

		fmt.Printf("Version: %s\n", rec.Version)
		fmt.Printf("Hash:    %s\n", rec.Hash)
		fmt.Printf("Updated: %s\n\n", rec.UpdatedAt.Format(time.RFC3339))
		out, _ := json.MarshalIndent(rec.Persona, "", "  ")
		fmt.Println(string(out))
		if personaPrompt && rec.Prompt != "" {
			fmt.Printf("\n── Generated prompt ──\n%s\n", rec.Prompt)
		}
		return nil
	},
}

var personaPutCmd = &cobra.Command{
	Use:   "put <agent-id>",
	Short: "Create or update an agent's persona from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID := args[0]

		data, err := os.ReadFile(personaFile)
		if err != nil {
			return fmt.Errorf("read %s: %w", personaFile, err)
		}
		var persona map[string]any
		if err := json.Unmarshal(data, &persona); err != nil {
			return fmt.Errorf("parse %s: %w", personaFile, err)
		}

		c, err := authedClient(agentID)
		if err != nil {
			return err
		}
		ctx := context.Background()

		// Create first; fall back to update when a persona already exists.
		res, err := c.CreatePersona(ctx, agentID, persona)
		if err != nil {
			var apiErr *client.APIError
			if !errors.As(err, &apiErr) || apiErr.Status != 409 {
				return fmt.Errorf("create persona: %w", err)
			}
			res, err = c.UpdatePersona(ctx, agentID, persona)
			if err != nil {
				return fmt.Errorf("update persona: %w", err)
			}
			fmt.Printf("✓ Persona updated: %s → %s\n", res.PreviousVersion, res.Version)
		} else {
			fmt.Printf("✓ Persona registered: %s\n", res.Version)
		}
		fmt.Printf("  Hash: %s\n", res.Hash)
		return nil
	},
}

var personaCheckCmd = &cobra.Command{
	Use:   "check <agent-id>",
	Short: "Verify the stored persona's HMAC integrity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := authedClient(args[0])
		if err != nil {
			return err
		}
		out, err := c.VerifyPersona(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("verify persona: %w", err)
		}
		if out.Valid {
			fmt.Printf("✓ Persona intact (version %s)\n", out.PersonaVersion)
			return nil
		}
		fmt.Printf("✗ Persona integrity FAILED: %s\n", out.Reason)
		os.Exit(1)
		return nil
	},
}

var personaHistoryCmd = &cobra.Command{
	Use:   "history <agent-id>",
	Short: "List archived persona revisions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(vaultURL)
		if err != nil {
			return err
		}
		entries, err := c.PersonaHistory(context.Background(), args[0], 50, 0)
		if err != nil {
			return fmt.Errorf("persona history: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tVERSION\tHASH\tCHANGED")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s…\t%s\n",
				e.ID, e.PersonaVersion, e.PersonaHash[:12],
				e.ChangedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var personaExportCmd = &cobra.Command{
	Use:   "export <agent-id> <out.zip>",
	Short: "Download the persona bundle as a ZIP archive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(vaultURL)
		if err != nil {
			return err
		}
		data, err := c.ExportPersona(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("export persona: %w", err)
		}
		if err := os.WriteFile(args[1], data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", args[1], err)
		}
		fmt.Printf("✓ Bundle written to %s (%d bytes)\n", args[1], len(data))
		return nil
	},
}

func init() {
	personaGetCmd.Flags().BoolVar(&personaPrompt, "prompt", false, "Include the generated system prompt")
	personaPutCmd.Flags().StringVar(&personaFile, "file", "persona.json", "Persona JSON file")

	personaCmd.AddCommand(personaGetCmd)
	personaCmd.AddCommand(personaPutCmd)
	personaCmd.AddCommand(personaCheckCmd)
	personaCmd.AddCommand(personaHistoryCmd)
	personaCmd.AddCommand(personaExportCmd)
}

// ── commitment ───────────────────────────────────────────────────────────────

var commitmentCmd = &cobra.Command{
	Use:   "commitment",
	Short: "Manage anonymous commitments",
}

var commitmentTTL time.Duration

var commitmentRegisterCmd = &cobra.Command{
	Use:   "register <agent-id>",
	Short: "Mint an anonymous commitment for an agent",
	Long: `commitment register mints an anonymous re-identification token.

The salt is printed exactly once. To verify later, a relying party needs
the SHA-256 of "agent_id:api_key:salt" — keep the salt with the API key.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := authedClient(args[0])
		if err != nil {
			return err
		}
		reg, err := c.RegisterCommitment(context.Background(), int64(commitmentTTL.Seconds()))
		if err != nil {
			return fmt.Errorf("register commitment: %w", err)
		}

		fmt.Printf("✓ Commitment registered\n\n")
		fmt.Printf("  Commitment: %s\n", reg.Commitment)
		fmt.Printf("  Salt:       %s\n", reg.Salt)
		if reg.ExpiresAt != nil {
			fmt.Printf("  Expires:    %s\n", reg.ExpiresAt.Format(time.RFC3339))
		}
		fmt.Println("\nStore the salt securely. It is shown once and never again.")
		return nil
	},
}

var commitmentRevokeCmd = &cobra.Command{
	Use:   "revoke <commitment>",
	Short: "Revoke a commitment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(vaultURL)
		if err != nil {
			return err
		}
		if err := c.RevokeCommitment(context.Background(), args[0]); err != nil {
			return fmt.Errorf("revoke commitment: %w", err)
		}
		fmt.Println("✓ Commitment revoked")
		return nil
	},
}

var commitmentCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Show the number of active commitments",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(vaultURL)
		if err != nil {
			return err
		}
		n, err := c.ActiveCommitments(context.Background())
		if err != nil {
			return fmt.Errorf("active count: %w", err)
		}
		fmt.Printf("%d active commitment(s)\n", n)
		return nil
	},
}

func init() {
	commitmentRegisterCmd.Flags().DurationVar(&commitmentTTL, "ttl", 0, "Commitment lifetime (e.g. 24h); 0 = no expiry")

	commitmentCmd.AddCommand(commitmentRegisterCmd)
	commitmentCmd.AddCommand(commitmentRevokeCmd)
	commitmentCmd.AddCommand(commitmentCountCmd)
}

// ── drift ────────────────────────────────────────────────────────────────────

var driftCmd = &cobra.Command{
	Use:   "drift",
	Short: "Inspect anti-drift standing",
}

var driftScoreCmd = &cobra.Command{
	Use:   "score <agent-id>",
	Short: "Show an agent's current drift score and trend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := authedClient(args[0])
		if err != nil {
			return err
		}
		res, err := c.GetDriftScore(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("drift score: %w", err)
		}

		if res.Score == nil {
			fmt.Println("No health pings recorded yet.")
			return nil
		}
		fmt.Printf("Drift score: %.4f\n", *res.Score)
		fmt.Printf("Trend:       %s\n", res.Trend)
		if res.LastPingAt != nil {
			fmt.Printf("Last ping:   %s\n", res.LastPingAt.Format(time.RFC3339))
		}
		return nil
	},
}

var driftConfigCmd = &cobra.Command{
	Use:   "config <agent-id>",
	Short: "Show an agent's drift configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := authedClient(args[0])
		if err != nil {
			return err
		}
		cfg, err := c.GetDriftConfig(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("drift config: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	},
}

func init() {
	driftCmd.AddCommand(driftScoreCmd)
	driftCmd.AddCommand(driftConfigCmd)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the avctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("avctl %s (AgentVault)\n", version)
	},
}
