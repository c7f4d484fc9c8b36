package engine_test

import (
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestAccountingInvariants drives random operation sequences against one owner
// under random policy windows, including the largest the engine accepts.
// Property: 0 <= locked <= deposited and locked equals the open intents' total,
// after every step; snapshot windows never end before creation.
func TestAccountingInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("locked tracks open intents", prop.ForAll(
		func(steps []int, timelock, dispute int64) bool {
			env := newTestEnv(t, nil)
			env.fund(t, 20, 6, timelock, dispute)
			if err := env.Book.Mint(env.Ctx, env.Owner, 1000); err != nil {
				return false
			}
			if err := env.Book.Approve(env.Ctx, env.Owner, 1000); err != nil {
				return false
			}
			var open []common.Hash
			nonce := uint64(0)
			for _, s := range steps {
				op, arg := s%7, int64(s/7%8)
				pick := func() (common.Hash, bool) {
					if len(open) == 0 {
						return common.Hash{}, false
					}
					return open[int(arg)%len(open)], true
				}
				switch op {
				case 0:
					nonce++
					in := env.intent(arg, nonce)
					rec, err := env.Engine.CreateIntent(env.Ctx, relayer, in, env.sign(t, in))
					if err == nil {
						open = append(open, rec.Hash)
					}
				case 1:
					if h, ok := pick(); ok {
						_, _ = env.Engine.ClaimIntent(env.Ctx, recipient, h, common.Hash{})
					}
				case 2:
					if h, ok := pick(); ok {
						_, _ = env.Engine.CancelIntent(env.Ctx, env.Owner, h)
					}
				case 3:
					if h, ok := pick(); ok {
						_, _ = env.Engine.DisputeIntent(env.Ctx, env.Owner, h)
					}
				case 4:
					if h, ok := pick(); ok {
						_, _ = env.Engine.ResolveDispute(env.Ctx, env.Owner, h, arg%2 == 0)
					}
				case 5:
					if h, ok := pick(); ok {
						_, _ = env.Engine.FinalizeIntent(env.Ctx, stranger, h)
					}
				case 6:
					if arg%2 == 0 {
						_, _ = env.Engine.Withdraw(env.Ctx, env.Owner, arg)
					} else {
						_, _ = env.Engine.Deposit(env.Ctx, env.Owner, arg)
					}
					env.advance(arg * 5)
				}
				if err := env.Engine.CheckInvariants(env.Ctx); err != nil {
					t.Logf("after step %d: %v", s, err)
					return false
				}
			}
			for _, h := range open {
				rec, err := env.Engine.GetIntent(env.Ctx, h)
				if err != nil {
					return false
				}
				if rec.Finalized && rec.Canceled {
					return false
				}
				if rec.TimelockEndsAt < rec.CreatedAt || rec.DisputeEndsAt < rec.CreatedAt {
					t.Logf("window wrapped: %+v", rec)
					return false
				}
			}
			return true
		},
		gen.SliceOfN(40, gen.IntRange(0, 7*8-1)),
		policyWindow(),
		policyWindow(),
	))

	properties.TestingRun(t)
}

// policyWindow yields short windows that elapse within a run, and the
// longest window SetPolicy accepts at the test clock's start.
func policyWindow() gopter.Gen {
	return gen.Weighted([]gen.WeightedGen{
		{Weight: 4, Gen: gen.Int64Range(0, 120)},
		{Weight: 1, Gen: gen.Const(int64(math.MaxInt64) - start)},
	})
}

// TestNonceAuthorizesOnce checks that however many distinct intents share a
// nonce, only one is ever registered.
func TestNonceAuthorizesOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("one creation per (owner, nonce)", prop.ForAll(
		func(nonce uint64, amounts []int64) bool {
			env := newTestEnv(t, nil)
			env.fund(t, 100, 5, 0, 0)
			created := 0
			for _, amt := range amounts {
				in := env.intent(amt, nonce)
				if _, err := env.Engine.CreateIntent(env.Ctx, relayer, in, env.sign(t, in)); err == nil {
					created++
				}
			}
			return created <= 1
		},
		gen.UInt64(),
		gen.SliceOfN(4, gen.Int64Range(1, 5)),
	))

	properties.TestingRun(t)
}
