// Command sarrafctl onboards offices, accounts and wallets, and issues
// development bearer tokens.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"sarraf.org/internal/auth"
	"sarraf.org/internal/config"
	"sarraf.org/internal/ledger"
	"sarraf.org/internal/obs"
	"sarraf.org/internal/store/pg"
)

const usage = `usage: sarrafctl <command> [flags]

commands:
  office         open an office with its FUND and OFFICE accounts
  account        open an agent, supplier or customer account
  close-account  close a zero-balance account
  wallet         open a trading wallet
  token          issue a bearer token signed with SARRAF_AUTH_SECRET`

func main() {
	log := obs.Logger()
	defer func() { _ = log.Sync() }()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out, err := run(ctx, cfg, os.Args[1], os.Args[2:])
	if err != nil {
		log.Fatal("sarrafctl failed", zap.String("command", os.Args[1]), zap.Error(err))
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

func run(ctx context.Context, cfg *config.Config, cmd string, args []string) (any, error) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	switch cmd {
	case "office":
		id := fs.String("id", "", "office id")
		currency := fs.String("currency", "", "fund currency")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		return withOnboarding(cfg, func(o *ledger.Onboarding) (any, error) {
			fund, office, err := o.OpenOffice(ctx, *id, *currency)
			return []ledger.Account{fund, office}, err
		})
	case "account":
		office := fs.String("office", "", "office id")
		initials := fs.String("initials", "", "account initials")
		kind := fs.String("kind", string(ledger.KindCustomer), "AGENT, SUPPLIER or CUSTOMER")
		currency := fs.String("currency", "", "account currency, defaults to the fund's")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		return withOnboarding(cfg, func(o *ledger.Onboarding) (any, error) {
			return o.OpenAccount(ctx, *office, *initials, ledger.AccountKind(strings.ToUpper(*kind)), *currency)
		})
	case "close-account":
		id := fs.String("id", "", "account id")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		return withOnboarding(cfg, func(o *ledger.Onboarding) (any, error) {
			return o.CloseAccount(ctx, *id)
		})
	case "wallet":
		office := fs.String("office", "", "office id")
		id := fs.String("id", "", "wallet id")
		kind := fs.String("kind", string(ledger.WalletCrypto), "SIMPLE or CRYPTO")
		crypto := fs.String("crypto", "", "held currency")
		trading := fs.String("trading", "", "currency the wallet is traded against")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		return withOnboarding(cfg, func(o *ledger.Onboarding) (any, error) {
			return o.OpenWallet(ctx, *office, *id, ledger.WalletKind(strings.ToUpper(*kind)), *crypto, *trading)
		})
	case "token":
		user := fs.String("user", "", "user id")
		office := fs.String("office", "", "office id")
		org := fs.String("org", "", "organization id")
		roles := fs.String("roles", auth.RoleEmployee, "comma separated roles")
		ttl := fs.Duration("ttl", 8*time.Hour, "token lifetime")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		tokens, err := auth.NewTokens(cfg.AuthSecret, auth.WithIssuer(cfg.AuthIssuer))
		if err != nil {
			return nil, err
		}
		tok, err := tokens.Generate(auth.AuthenticatedUser{
			ID:             *user,
			OfficeID:       *office,
			OrganizationID: *org,
			Roles:          strings.Split(*roles, ","),
		}, *ttl)
		if err != nil {
			return nil, err
		}
		return map[string]string{"token": tok}, nil
	default:
		return nil, fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func withOnboarding(cfg *config.Config, fn func(*ledger.Onboarding) (any, error)) (any, error) {
	if cfg.PGDSN == "" {
		return nil, errors.New("SARRAF_PG_DSN is required")
	}
	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return fn(ledger.NewOnboarding(store))
}
