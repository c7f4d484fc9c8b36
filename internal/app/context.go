package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"intentescrow/internal/config"
	"intentescrow/internal/db"
	"intentescrow/internal/engine"
	"intentescrow/internal/ledger"
	"intentescrow/internal/migrate"
	"intentescrow/internal/signing"
)

// Context is an opened workspace: config, both databases, and the engine over them.
type Context struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	LedgerDB  *sql.DB
	Book      *ledger.Book
	Engine    *engine.Engine
	Logger    *zap.Logger
}

// Open loads escrow.yml (defaults when absent), migrates the escrow database,
// and opens the token book.
func Open(ctx context.Context, workspace string) (*Context, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	logger, err := NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	ledgerPath := cfg.Ledger.Path
	if ledgerPath == "" {
		ledgerPath = db.LedgerPath(workspace)
	}
	ledgerConn, err := db.OpenFile(ledgerPath)
	if err != nil {
		conn.Close()
		return nil, err
	}
	book, err := ledger.Open(ctx, ledgerConn, cfg.EscrowAccount())
	if err != nil {
		conn.Close()
		ledgerConn.Close()
		return nil, err
	}
	d := signing.NewDomain(cfg.Escrow.Name, cfg.Escrow.Version, cfg.Escrow.ChainID, cfg.VerifyingContract())
	eng := engine.New(conn, d, book)
	eng.Logger = logger
	return &Context{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		LedgerDB:  ledgerConn,
		Book:      book,
		Engine:    eng,
		Logger:    logger,
	}, nil
}

func (c *Context) Close() error {
	_ = c.Logger.Sync()
	return errors.Join(c.DB.Close(), c.LedgerDB.Close())
}

// NewLogger builds a zap logger. format is "json" or "console" (the default).
func NewLogger(level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	if strings.EqualFold(format, "json") {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	lvl := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if strings.TrimSpace(level) != "" {
		var parsed zapcore.Level
		if err := parsed.Set(level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = zap.NewAtomicLevelAt(parsed)
	}
	cfg.Level = lvl
	cfg.DisableStacktrace = true
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
