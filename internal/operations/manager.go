package operations

import (
	"errors"
	"fmt"

	"github.com/kebairia/posebackup/internal/archive"
	"github.com/kebairia/posebackup/internal/config"
	"github.com/kebairia/posebackup/internal/database"
	"github.com/kebairia/posebackup/internal/logger"
	"github.com/kebairia/posebackup/internal/notify"
	"github.com/kebairia/posebackup/internal/retention"
)

// NewOperationManager wires a manager from configuration and open stores.
// Mail is sent only when SMTP host and recipient are configured.
func NewOperationManager(cfg config.Config, stores *database.Stores, log logger.Logger) (*OperationManager, error) {
	if log == nil {
		log = logger.Global()
	}

	var notifier notify.Notifier = notify.Nop{}
	email, err := notify.NewEmail(cfg.Notify, log)
	switch {
	case err == nil:
		notifier = email
	case errors.Is(err, notify.ErrNotConfigured):
		log.Info("email notification disabled")
	default:
		return nil, fmt.Errorf("notifier init: %w", err)
	}

	return New(Deps{
		Relational: stores.MySQL,
		Documents:  stores.MongoDB,
		Blobs:      stores.MongoDB,
		Notifier:   notifier,
		Retention:  NewRetention(cfg, log),
	}, Options{
		Directory:        cfg.Backup.Directory,
		StagingDirectory: cfg.Backup.StagingDirectory,
		Format:           archive.Format(cfg.Backup.Format),
		Collections:      cfg.MongoDB.Collections,
		Timeout:          cfg.Backup.Timeout,
		Logger:           log,
	})
}

// NewRetention returns the retention manager for the configured directory
// and format.
func NewRetention(cfg config.Config, log logger.Logger) *retention.Manager {
	return retention.New(cfg.Backup.Directory, cfg.ArchiveExtension(), cfg.Retention.KeepLast, log)
}
