package pg

import (
	"database/sql"

	"github.com/aria-platform/aria/pkg/store"
)

// NewStores creates all collection views backed by PostgreSQL.
func NewStores(db *sql.DB) *store.Stores {
	return &store.Stores{
		Sessions: NewSessionStore(db),
		Archive:  NewArchiveStore(db),
		Agents:   NewAgentStore(db),
		Cron:     NewCronStore(db),
	}
}
