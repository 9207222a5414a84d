package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/kebairia/posebackup/internal/config"
	"github.com/kebairia/posebackup/internal/logger"
	"github.com/kebairia/posebackup/internal/vault"
)

// Stores holds the process-wide handles of both databases.
type Stores struct {
	MySQL   *MySQL
	MongoDB *MongoDB
}

// All returns the open handles.
func (s *Stores) All() []Database {
	var dbs []Database
	if s.MySQL != nil {
		dbs = append(dbs, s.MySQL)
	}
	if s.MongoDB != nil {
		dbs = append(dbs, s.MongoDB)
	}
	return dbs
}

// Close releases every handle.
func (s *Stores) Close() error {
	var errs []error
	for _, db := range s.All() {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", db.GetEngine(), err))
		}
	}
	return errors.Join(errs...)
}

// InitMySQL builds the MySQL handle. When mysql.vault_role is set the
// credentials are leased from Vault instead of read from config.
func InitMySQL(ctx context.Context, cfg config.Config, log logger.Logger) (*MySQL, error) {
	opts := []MySQLOption{WithMySQLLogger(log)}
	if cfg.MySQL.VaultRole != "" {
		vaultClient, err := vault.NewClient(ctx,
			vault.WithAddress(cfg.Vault.Address),
			vault.WithToken(cfg.Vault.Token),
			vault.WithAppRole(cfg.Vault.RoleID, cfg.Vault.RoleName),
		)
		if err != nil {
			return nil, fmt.Errorf("vault client init: %w", err)
		}
		creds, err := vaultClient.GetDynamicCredentials(ctx, cfg.MySQL.VaultRole)
		if err != nil {
			return nil, fmt.Errorf("vault read: %w", err)
		}
		log.Info("mysql credentials leased from vault",
			"role", cfg.MySQL.VaultRole,
			"username", creds.Username,
			"ttl", creds.TTL.String(),
		)
		opts = append(opts, WithMySQLCredentials(creds.Username, creds.Password))
	}
	db, err := NewMySQL(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mysql instance: %w", err)
	}
	return db, nil
}

// InitMongoDB dials the image store.
func InitMongoDB(cfg config.Config, log logger.Logger) (*MongoDB, error) {
	db, err := NewMongoDB(cfg, WithMongoLogger(log))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mongodb instance: %w", err)
	}
	return db, nil
}

// InitializeDatabases opens both stores. Nothing is left open on error.
func InitializeDatabases(ctx context.Context, cfg config.Config, log logger.Logger) (*Stores, error) {
	if log == nil {
		log = logger.Global()
	}
	my, err := InitMySQL(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	mg, err := InitMongoDB(cfg, log)
	if err != nil {
		my.Close()
		return nil, err
	}
	return &Stores{MySQL: my, MongoDB: mg}, nil
}
