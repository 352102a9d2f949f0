package migrations

import "embed"

// Files exposes embedded SQL migration files ordered lexicographically. Postgres files live
// at the root and their SQLite twins under sqlite/.
//
//go:embed *.sql sqlite/*.sql
var Files embed.FS
