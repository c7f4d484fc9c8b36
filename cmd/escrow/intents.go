package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"intentescrow/internal/app"
	"intentescrow/internal/domain"
	"intentescrow/internal/repo"
	"intentescrow/internal/signing"
	escrowsdk "intentescrow/sdk/go"
)

func intentCmd() *cobra.Command {
	i := &cobra.Command{Use: "intent", Short: "Sign, submit and drive intents"}
	i.AddCommand(intentHashCmd())
	i.AddCommand(intentSignCmd())
	i.AddCommand(intentSubmitCmd())
	i.AddCommand(intentTransitionCmd("claim", "Claim as the recipient before expiry"))
	i.AddCommand(intentTransitionCmd("cancel", "Cancel as the owner and unlock the amount"))
	i.AddCommand(intentTransitionCmd("dispute", "Dispute a claim inside the dispute window"))
	i.AddCommand(intentTransitionCmd("resolve", "Resolve a dispute as the owner"))
	i.AddCommand(intentTransitionCmd("finalize", "Pay the recipient once the timelock has elapsed"))
	i.AddCommand(intentShowCmd())
	i.AddCommand(intentListCmd())
	return i
}

type intentFlags struct {
	owner     string
	recipient string
	amount    int64
	jobID     string
	nonce     uint64
	expiry    int64
	ttl       time.Duration
}

func (f *intentFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.owner, "owner", "", "owner address (default: caller)")
	cmd.Flags().StringVar(&f.recipient, "recipient", "", "recipient address")
	cmd.Flags().Int64Var(&f.amount, "amount", 0, "amount to lock")
	cmd.Flags().StringVar(&f.jobID, "job-id", "", "32-byte hex job id, or any label (hashed with keccak256)")
	cmd.Flags().Uint64Var(&f.nonce, "nonce", 0, "owner nonce")
	cmd.Flags().Int64Var(&f.expiry, "expiry", 0, "unix expiry")
	cmd.Flags().DurationVar(&f.ttl, "ttl", time.Hour, "expiry relative to now when --expiry is not set")
	_ = cmd.MarkFlagRequired("recipient")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("nonce")
}

func (f *intentFlags) intent(owner common.Address) (domain.Intent, error) {
	if f.owner != "" {
		o, err := domain.ParseAddress(f.owner)
		if err != nil {
			return domain.Intent{}, err
		}
		owner = o
	}
	recipient, err := domain.ParseAddress(f.recipient)
	if err != nil {
		return domain.Intent{}, err
	}
	expiry := f.expiry
	if expiry == 0 {
		expiry = time.Now().Add(f.ttl).Unix()
	}
	return domain.Intent{
		Owner:     owner,
		Recipient: recipient,
		Amount:    f.amount,
		JobID:     parseJobID(f.jobID),
		Nonce:     f.nonce,
		Expiry:    expiry,
	}, nil
}

func parseJobID(s string) common.Hash {
	s = strings.TrimSpace(s)
	if h, err := domain.ParseHash(s); err == nil {
		return h
	}
	if s == "" {
		return common.Hash{}
	}
	return crypto.Keccak256Hash([]byte(s))
}

func intentHashCmd() *cobra.Command {
	var f intentFlags
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Compute the EIP-712 digest of an intent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				var owner common.Address
				if f.owner == "" {
					caller, err := callerAddress()
					if err != nil {
						return err
					}
					owner = caller
				}
				in, err := f.intent(owner)
				if err != nil {
					return err
				}
				hash, err := a.Engine.HashIntent(in)
				if err != nil {
					return err
				}
				return printJSONOrTable(domain.SignedIntent{Intent: in, Hash: hash})
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func intentSignCmd() *cobra.Command {
	var f intentFlags
	var out string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign an intent with --key and print the transferable envelope",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := loadKey()
			if err != nil {
				return err
			}
			f.owner = ""
			in, err := f.intent(signing.Address(key))
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				hash, err := a.Engine.HashIntent(in)
				if err != nil {
					return err
				}
				sig, err := signing.Sign(hash, key)
				if err != nil {
					return err
				}
				envelope := domain.SignedIntent{Intent: in, Signature: hexutil.Encode(sig), Hash: hash}
				if out == "" {
					return printJSON(envelope)
				}
				data, err := json.MarshalIndent(envelope, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, append(data, '\n'), 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %s (%s)\n", out, hash.Hex())
				return nil
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&out, "out", "", "write the envelope to this file")
	return cmd
}

func intentSubmitCmd() *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "submit <envelope.json|->",
		Short: "Submit a signed intent and lock its amount",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			envelope, err := readEnvelope(args[0])
			if err != nil {
				return err
			}
			if remote != "" {
				return submitRemote(cmd.Context(), remote, envelope)
			}
			sig, err := signing.ParseSignature(envelope.Signature)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				caller, err := callerAddress()
				if err != nil {
					return err
				}
				if envelope.Hash != (common.Hash{}) {
					hash, err := a.Engine.HashIntent(envelope.Intent)
					if err != nil {
						return err
					}
					if hash != envelope.Hash {
						return fmt.Errorf("envelope hash %s does not match intent digest %s", envelope.Hash.Hex(), hash.Hex())
					}
				}
				rec, err := a.Engine.CreateIntent(ctx, caller, envelope.Intent, sig)
				if err != nil {
					return err
				}
				return printRecord(rec)
			})
		},
	}
	cmd.Flags().StringVar(&remote, "server", "", "submit to a running escrow API instead of the workspace")
	return cmd
}

func readEnvelope(path string) (domain.SignedIntent, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return domain.SignedIntent{}, err
	}
	var envelope domain.SignedIntent
	if err := json.Unmarshal(data, &envelope); err != nil {
		return domain.SignedIntent{}, fmt.Errorf("invalid envelope: %w", err)
	}
	return envelope, nil
}

// submitRemote relays the envelope through the HTTP API, logging in with
// --key when set and falling back to the --as caller header.
func submitRemote(ctx context.Context, baseURL string, envelope domain.SignedIntent) error {
	client := escrowsdk.New(baseURL)
	if strings.TrimSpace(viper.GetString("key")) != "" {
		key, err := loadKey()
		if err != nil {
			return err
		}
		if _, err := client.Login(ctx, key); err != nil {
			return err
		}
	} else {
		client.Caller = viper.GetString("as")
	}
	si := escrowsdk.SignedIntent{
		Intent: escrowsdk.Intent{
			Owner:     envelope.Intent.Owner.Hex(),
			Recipient: envelope.Intent.Recipient.Hex(),
			Amount:    envelope.Intent.Amount,
			JobID:     envelope.Intent.JobID.Hex(),
			Nonce:     envelope.Intent.Nonce,
			Expiry:    envelope.Intent.Expiry,
		},
		Signature: envelope.Signature,
	}
	if envelope.Hash != (common.Hash{}) {
		si.Hash = envelope.Hash.Hex()
	}
	rec, err := client.SubmitIntent(ctx, si)
	if err != nil {
		return err
	}
	return printJSONOrTable(rec)
}

func intentTransitionCmd(action, short string) *cobra.Command {
	var evidence string
	var payOut bool
	cmd := &cobra.Command{
		Use:   action + " <hash>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := domain.ParseHash(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				caller, err := callerAddress()
				if err != nil {
					return err
				}
				var rec domain.IntentRecord
				switch action {
				case "claim":
					var ev common.Hash
					if evidence != "" {
						ev = parseJobID(evidence)
					}
					rec, err = a.Engine.ClaimIntent(ctx, caller, hash, ev)
				case "cancel":
					rec, err = a.Engine.CancelIntent(ctx, caller, hash)
				case "dispute":
					rec, err = a.Engine.DisputeIntent(ctx, caller, hash)
				case "resolve":
					rec, err = a.Engine.ResolveDispute(ctx, caller, hash, payOut)
				case "finalize":
					rec, err = a.Engine.FinalizeIntent(ctx, caller, hash)
				default:
					return fmt.Errorf("unknown action %q", action)
				}
				if err != nil {
					return err
				}
				return printRecord(rec)
			})
		},
	}
	switch action {
	case "claim":
		cmd.Flags().StringVar(&evidence, "evidence", "", "32-byte hex evidence hash, or any label (hashed with keccak256)")
	case "resolve":
		cmd.Flags().BoolVar(&payOut, "pay-out", false, "pay the recipient instead of refunding the owner")
	}
	return cmd
}

func intentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <hash>",
		Short: "Show an intent record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := domain.ParseHash(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				rec, err := a.Engine.GetIntent(ctx, hash)
				if err != nil {
					return err
				}
				return printRecord(rec)
			})
		},
	}
}

func intentListCmd() *cobra.Command {
	var owner, recipient, state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List intents",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.IntentFilters{State: state, Limit: limit}
			if owner != "" {
				addr, err := domain.ParseAddress(owner)
				if err != nil {
					return err
				}
				f.Owner = &addr
			}
			if recipient != "" {
				addr, err := domain.ParseAddress(recipient)
				if err != nil {
					return err
				}
				f.Recipient = &addr
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				recs, err := a.Engine.ListIntents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Hash", "State", "Owner", "Recipient", "Amount", "Expiry", "Timelock Ends"})
				for _, r := range recs {
					tw.AppendRow(table.Row{
						shorten(r.Hash.Hex()), r.State(), shorten(r.Owner.Hex()), shorten(r.Recipient.Hex()),
						r.Amount, unixTime(r.Expiry), unixTime(r.TimelockEndsAt),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner address")
	cmd.Flags().StringVar(&recipient, "recipient", "", "recipient address")
	cmd.Flags().StringVar(&state, "state", "", "created|claimed|disputed|finalized|canceled")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func printRecord(rec domain.IntentRecord) error {
	return printJSONOrTable(struct {
		domain.IntentRecord
		State string `json:"state"`
	}{rec, rec.State()})
}

func unixTime(ts int64) string {
	if ts <= 0 {
		return "-"
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
