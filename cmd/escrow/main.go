package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"intentescrow/internal/app"
	"intentescrow/internal/config"
	"intentescrow/internal/db"
	"intentescrow/internal/domain"
	"intentescrow/internal/repo"
	"intentescrow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "escrow",
	Short: "Intent escrow CLI",
	Long: `escrow holds owner deposits and pays recipients against signed intents.
Core concepts:
- Owner: deposits tokens, sets a policy (cap per intent, timelock, dispute window) and an allowlist of recipients.
- Intent: an EIP-712 message the owner signs off-line; anyone may submit it, once, to lock its amount.
- Claim: the recipient claims before expiry; after the timelock anyone may finalize and pay the recipient.
- Dispute: within the dispute window the owner can halt a claim, then resolve it by paying out or canceling.
- Token book: the workspace's reference ledger (mint, approve) that deposits and payouts move through.
- Event log: hash-chained diary of every transition, view with 'escrow log tail', check with 'escrow log verify'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ESCROW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("as", "", "caller address (ignored when --key is set)")
	rootCmd.PersistentFlags().String("key", "", "private key: hex, or a file holding it")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("as", rootCmd.PersistentFlags().Lookup("as"))
	_ = viper.BindPFlag("key", rootCmd.PersistentFlags().Lookup("key"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(allowCmd())
	rootCmd.AddCommand(depositCmd())
	rootCmd.AddCommand(withdrawCmd())
	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(intentCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var chainID int64
	var verifyingContract string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write escrow.yml with the signing domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			raw := config.GenerateDefault(chainID, verifyingContract)
			if _, err := config.FromYAML([]byte(raw)); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().Int64Var(&chainID, "chain-id", config.DefaultChainID, "EIP-712 chain id")
	cmd.Flags().StringVar(&verifyingContract, "verifying-contract", config.DefaultVerifyingContract, "EIP-712 verifying contract address")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing escrow.yml")
	return cmd
}

func keygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a secp256k1 key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			hexKey := fmt.Sprintf("%x", crypto.FromECDSA(key))
			addr := crypto.PubkeyToAddress(key.PublicKey)
			if out != "" {
				if err := os.WriteFile(out, []byte(hexKey+"\n"), 0o600); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"address": addr.Hex(), "key_file": out})
			}
			return printJSONOrTable(map[string]string{"address": addr.Hex(), "private_key": hexKey})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write the private key to this file instead of printing it")
	return cmd
}

func policyCmd() *cobra.Command {
	p := &cobra.Command{Use: "policy", Short: "Manage the caller's policy"}
	p.AddCommand(policySetCmd())
	p.AddCommand(policyShowCmd())
	return p
}

func policySetCmd() *cobra.Command {
	var maxPerIntent, timelock, dispute int64
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Replace the caller's policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				caller, err := callerAddress()
				if err != nil {
					return err
				}
				p, err := a.Engine.SetPolicy(ctx, caller, maxPerIntent, timelock, dispute)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Int64Var(&maxPerIntent, "max", 0, "maximum amount per intent")
	cmd.Flags().Int64Var(&timelock, "timelock", 0, "seconds from creation before a claim can be finalized")
	cmd.Flags().Int64Var(&dispute, "dispute-window", 0, "seconds from creation during which a claim can be disputed")
	_ = cmd.MarkFlagRequired("max")
	return cmd
}

func policyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [owner]",
		Short: "Show an owner's policy (default: caller)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				owner, err := ownerArg(args)
				if err != nil {
					return err
				}
				p, err := a.Engine.GetPolicy(ctx, owner)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func allowCmd() *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "allow <recipient>",
		Short: "Add a recipient to the caller's allowlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				caller, err := callerAddress()
				if err != nil {
					return err
				}
				recipient, err := domain.ParseAddress(args[0])
				if err != nil {
					return err
				}
				if err := a.Engine.SetRecipientAllowed(ctx, caller, recipient, !remove); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"owner": caller.Hex(), "recipient": recipient.Hex(), "allowed": !remove})
			})
		},
	}
	cmd.Flags().BoolVar(&remove, "remove", false, "remove the recipient instead")
	return cmd
}

func depositCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deposit <amount>",
		Short: "Move tokens from the caller's book account into escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				caller, err := callerAddress()
				if err != nil {
					return err
				}
				b, err := a.Engine.Deposit(ctx, caller, amount)
				if err != nil {
					return err
				}
				return printBalance(b)
			})
		},
	}
}

func withdrawCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw <amount>",
		Short: "Return available escrow balance to the caller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				caller, err := callerAddress()
				if err != nil {
					return err
				}
				b, err := a.Engine.Withdraw(ctx, caller, amount)
				if err != nil {
					return err
				}
				return printBalance(b)
			})
		},
	}
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance [owner]",
		Short: "Show deposited, locked and available amounts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				owner, err := ownerArg(args)
				if err != nil {
					return err
				}
				b, err := a.Engine.Balance(ctx, owner)
				if err != nil {
					return err
				}
				return printBalance(b)
			})
		},
	}
}

func ledgerCmd() *cobra.Command {
	l := &cobra.Command{Use: "ledger", Short: "Workspace token book"}
	l.AddCommand(&cobra.Command{
		Use:   "mint <to> <amount>",
		Short: "Mint tokens to an address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := domain.ParseAddress(args[0])
			if err != nil {
				return err
			}
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Book.Mint(ctx, to, amount); err != nil {
					return err
				}
				return printLedgerAccount(ctx, a, to)
			})
		},
	})
	l.AddCommand(&cobra.Command{
		Use:   "approve <amount>",
		Short: "Set the escrow account's allowance over the caller's tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q", args[0])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				caller, err := callerAddress()
				if err != nil {
					return err
				}
				if err := a.Book.Approve(ctx, caller, amount); err != nil {
					return err
				}
				return printLedgerAccount(ctx, a, caller)
			})
		},
	})
	l.AddCommand(&cobra.Command{
		Use:   "balance [address]",
		Short: "Token balance and escrow allowance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				addr, err := ownerArg(args)
				if err != nil {
					return err
				}
				return printLedgerAccount(ctx, a, addr)
			})
		},
	})
	return l
}

func keyCmd() *cobra.Command {
	k := &cobra.Command{Use: "key", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key bound to the caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				caller, err := callerAddress()
				if err != nil {
					return err
				}
				key, secret, err := a.Engine.CreateAPIKey(ctx, caller, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":      key.ID,
					"address": key.Address,
					"name":    key.Name,
					"key":     secret,
				})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	k.AddCommand(create)
	k.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the caller's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				caller, err := callerAddress()
				if err != nil {
					return err
				}
				keys, err := a.Engine.ListAPIKeys(ctx, caller)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	})
	k.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke one of the caller's API keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				caller, err := callerAddress()
				if err != nil {
					return err
				}
				return a.Engine.RevokeAPIKey(ctx, caller, args[0])
			})
		},
	})
	return k
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	l.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check the event log hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				n, err := a.Engine.VerifyLog(ctx)
				if err != nil {
					return fmt.Errorf("event log verification failed after %d events: %w", n, err)
				}
				if err := a.Engine.CheckInvariants(ctx); err != nil {
					return fmt.Errorf("accounting check failed: %w", err)
				}
				fmt.Printf("ok: %d events, chain intact, balances consistent\n", n)
				return nil
			})
		},
	})
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if f.Owner != "" {
					owner, err := domain.ParseAddress(f.Owner)
					if err != nil {
						return err
					}
					f.Owner = owner.Hex()
				}
				evts, err := a.Engine.Repo.LatestEventsFrom(ctx, n, 0, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + shorten(e.EntityID), shorten(e.ActorID), e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&f.Owner, "owner", "", "owner address")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var faucet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:         viper.GetString("jwt-secret"),
					AllowCallerHeader: a.Config.Server.DevCallerHeader,
					Logger:            a.Logger,
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowCallerHeader {
					return fmt.Errorf("ESCROW_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:    a.Engine,
					Book:      a.Book,
					BasePath:  basePath,
					Auth:      authCfg,
					AllowMint: faucet,
					Logger:    a.Logger,
				})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, a.Engine.Repo, a.Config.Webhooks, a.Logger)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving escrow API",
					zap.String("url", "http://"+addr+basePath),
					zap.String("openapi", basePath+"/openapi.json"),
					zap.String("docs", "/docs"),
					zap.Bool("faucet", faucet))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from escrow.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from escrow.yml)")
	cmd.Flags().BoolVar(&faucet, "faucet", false, "expose POST /ledger/mint")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (env ESCROW_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// loadKey reads --key as a hex private key or as a file holding one.
func loadKey() (*ecdsa.PrivateKey, error) {
	raw := strings.TrimSpace(viper.GetString("key"))
	if raw == "" {
		return nil, errors.New("--key (or ESCROW_KEY) required")
	}
	if data, err := os.ReadFile(raw); err == nil {
		raw = strings.TrimSpace(string(data))
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// callerAddress is the key's address when --key is set, otherwise --as.
func callerAddress() (common.Address, error) {
	if strings.TrimSpace(viper.GetString("key")) != "" {
		key, err := loadKey()
		if err != nil {
			return common.Address{}, err
		}
		return crypto.PubkeyToAddress(key.PublicKey), nil
	}
	as := strings.TrimSpace(viper.GetString("as"))
	if as == "" {
		return common.Address{}, errors.New("--as or --key required")
	}
	return domain.ParseAddress(as)
}

func ownerArg(args []string) (common.Address, error) {
	if len(args) > 0 {
		return domain.ParseAddress(args[0])
	}
	return callerAddress()
}

func parseAmount(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func printBalance(b domain.Balance) error {
	return printJSONOrTable(map[string]any{
		"owner":     b.Owner.Hex(),
		"deposited": b.Deposited,
		"locked":    b.Locked,
		"available": b.Available(),
	})
}

func printLedgerAccount(ctx context.Context, a *app.Context, addr common.Address) error {
	bal, err := a.Book.BalanceOf(ctx, addr)
	if err != nil {
		return err
	}
	allowance, err := a.Book.Allowance(ctx, addr)
	if err != nil {
		return err
	}
	return printJSONOrTable(map[string]any{"address": addr.Hex(), "balance": bal, "allowance": allowance})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shorten(s string) string {
	if len(s) <= 14 {
		return s
	}
	return s[:8] + "…" + s[len(s)-4:]
}
