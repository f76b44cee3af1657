package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/platinummonkey/tollbooth/pkg/balance"
	"github.com/platinummonkey/tollbooth/pkg/objectstore"
	"github.com/platinummonkey/tollbooth/pkg/plans"
	"github.com/platinummonkey/tollbooth/pkg/registry"
	"github.com/platinummonkey/tollbooth/pkg/storage"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// NewApp builds the admin command tree. Output goes to w.
func NewApp(version string, w io.Writer) *cli.App {
	return &cli.App{
		Name:      "tollbooth-admin",
		Usage:     "Operate a Tollbooth deployment",
		Version:   version,
		Writer:    w,
		ErrWriter: os.Stderr,
		// Exit codes are left to the caller
		ExitErrHandler: func(*cli.Context, error) {},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Value:   "http://localhost:8080",
				Usage:   "Tollbooth API base URL",
				EnvVars: []string{"TOLLBOOTH_SERVER_URL"},
			},
		},
		Commands: []*cli.Command{
			publishCommand(),
			resolveCommand(),
			balanceCommand(),
			summarizeCommand(),
		},
	}
}

func client(c *cli.Context) *Client {
	return NewClient(c.String("server"))
}

func printJSON(c *cli.Context, v interface{}) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// PUBLISH
// =============================================================================

func publishCommand() *cli.Command {
	return &cli.Command{
		Name:  "publish",
		Usage: "Upload a payload and register its manifest",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "manifest", Aliases: []string{"m"}, Usage: "Path to the manifest YAML", Required: true},
			&cli.StringFlag{Name: "payload", Aliases: []string{"p"}, Usage: "Path to the payload file", Required: true},
		},
		Action: runPublish,
	}
}

func runPublish(c *cli.Context) error {
	payloadData, err := os.ReadFile(c.String("payload"))
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}
	manifestData, err := os.ReadFile(c.String("manifest"))
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := manifestForPayload(manifestData, payloadData)
	if err != nil {
		return err
	}

	api := client(c)
	payload, err := api.UploadPayload(c.Context, payloadData)
	if err != nil {
		return fmt.Errorf("failed to upload payload: %w", err)
	}
	record, err := api.Register(c.Context, *m, payload)
	if err != nil {
		return fmt.Errorf("failed to register %s@%s: %w", m.ID, m.Version, err)
	}
	return printJSON(c, record)
}

// manifestForPayload parses a manifest, filling in or checking its digest
// against the payload
func manifestForPayload(manifestData, payloadData []byte) (*registry.Manifest, error) {
	var m registry.Manifest
	if err := yaml.Unmarshal(manifestData, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	digest := objectstore.Digest(payloadData)
	declared := strings.ToLower(strings.TrimPrefix(m.ContentDigest, "sha256:"))
	switch {
	case declared == "":
		m.ContentDigest = digest
	case declared != digest:
		return nil, fmt.Errorf("manifest digest %s does not match payload digest %s", declared, digest)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// =============================================================================
// RESOLVE
// =============================================================================

func resolveCommand() *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "Resolve requirements to package versions",
		ArgsUsage: "[id | id@version | id@[min,max]]...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Usage: "Add a search requirement"},
			&cli.StringSliceFlag{Name: "tag", Usage: "Tags for the search requirement"},
		},
		Action: func(c *cli.Context) error {
			var reqs []registry.Requirement
			for _, arg := range c.Args().Slice() {
				req, err := ParseRequirement(arg)
				if err != nil {
					return err
				}
				reqs = append(reqs, req)
			}
			if c.String("query") != "" || len(c.StringSlice("tag")) > 0 {
				reqs = append(reqs, registry.Requirement{Query: c.String("query"), Tags: c.StringSlice("tag")})
			}
			if len(reqs) == 0 {
				return fmt.Errorf("at least one requirement is required")
			}

			res, err := client(c).Resolve(c.Context, reqs)
			if err != nil {
				return err
			}
			if err := printJSON(c, res); err != nil {
				return err
			}
			if !res.Complete() {
				return cli.Exit("some requirements did not resolve", 2)
			}
			return nil
		},
	}
}

// ParseRequirement parses "id", "id@version" or "id@[min,max]". Either
// bound of a range may be empty or "*".
func ParseRequirement(s string) (registry.Requirement, error) {
	id, rest, hasVersion := strings.Cut(strings.TrimSpace(s), "@")
	if id == "" {
		return registry.Requirement{}, fmt.Errorf("invalid requirement %q: missing id", s)
	}
	if !hasVersion {
		return registry.Requirement{ID: id}, nil
	}
	if !strings.HasPrefix(rest, "[") {
		if rest == "" {
			return registry.Requirement{}, fmt.Errorf("invalid requirement %q: empty version", s)
		}
		return registry.Requirement{ID: id, Version: rest}, nil
	}
	if !strings.HasSuffix(rest, "]") {
		return registry.Requirement{}, fmt.Errorf("invalid requirement %q: unterminated range", s)
	}
	lo, hi, ok := strings.Cut(rest[1:len(rest)-1], ",")
	if !ok {
		return registry.Requirement{}, fmt.Errorf("invalid requirement %q: range needs min,max", s)
	}
	bound := func(b string) string {
		b = strings.TrimSpace(b)
		if b == "*" {
			return ""
		}
		return b
	}
	return registry.Requirement{ID: id, Min: bound(lo), Max: bound(hi)}, nil
}

// =============================================================================
// BALANCE
// =============================================================================

func balanceCommand() *cli.Command {
	return &cli.Command{
		Name:  "balance",
		Usage: "Inspect or reset subscriber balances",
		Subcommands: []*cli.Command{
			{
				Name:      "show",
				Usage:     "Show a subscriber's balance",
				ArgsUsage: "SUBSCRIBER_ID",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("expected exactly one subscriber id")
					}
					raw, err := client(c).GetBalance(c.Context, c.Args().First())
					if err != nil {
						return err
					}
					return printJSON(c, raw)
				},
			},
			{
				Name:      "reset",
				Usage:     "Reset a subscriber's balance to its plan allowance",
				ArgsUsage: "SUBSCRIBER_ID",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "catalog", Usage: "Plan catalog YAML", EnvVars: []string{"TOLLBOOTH_PLAN_CATALOG"}, Required: true},
					&cli.StringFlag{Name: "storage-type", Value: storage.TypePostgres, EnvVars: []string{"TOLLBOOTH_STORAGE_TYPE"}},
					&cli.StringFlag{Name: "postgres-url", EnvVars: []string{"TOLLBOOTH_POSTGRES_URL"}},
				},
				Action: runBalanceReset,
			},
		},
	}
}

func runBalanceReset(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one subscriber id")
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)

	cfg := storage.DefaultConfig()
	cfg.Type = c.String("storage-type")
	cfg.PostgresURL = c.String("postgres-url")
	stores, err := storage.Open(c.Context, cfg, log)
	if err != nil {
		return err
	}
	defer stores.Close()

	catalog, err := plans.LoadCatalog(c.String("catalog"), log)
	if err != nil {
		return err
	}
	bal, err := ResetBalance(c.Context, c.Args().First(),
		plans.NewDirectory(catalog, stores.Assignments),
		balance.NewService(stores.Balances, log))
	if err != nil {
		return err
	}
	return printJSON(c, bal)
}

// ResetBalance restores a subscriber's balance to their current plan
func ResetBalance(ctx context.Context, subscriberID string, source plans.Source, balances *balance.Service) (*balance.Balance, error) {
	plan, err := source.GetPlan(ctx, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	bal, err := balances.InitializeOrResetBalance(ctx, subscriberID, plan.MonthlyAllowance, plan.BalanceLimit())
	if err != nil {
		return nil, fmt.Errorf("failed to reset balance: %w", err)
	}
	return bal, nil
}

// =============================================================================
// SUMMARIZE
// =============================================================================

func summarizeCommand() *cli.Command {
	return &cli.Command{
		Name:      "summarize",
		Usage:     "Summarize a subscriber's ledger",
		ArgsUsage: "SUBSCRIBER_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "from", Usage: "Inclusive start (YYYY-MM-DD or RFC 3339)"},
			&cli.StringFlag{Name: "to", Usage: "Exclusive end (YYYY-MM-DD or RFC 3339)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one subscriber id")
			}
			raw, err := client(c).Summarize(c.Context, c.Args().First(), c.String("from"), c.String("to"))
			if err != nil {
				return err
			}
			return printJSON(c, raw)
		},
	}
}
