// Package all registers every storage backend with the storage factory.
// The configured kind picks one at runtime; the binary carries them all.
package all

import (
	_ "planneretl/internal/storage/mssql"
	_ "planneretl/internal/storage/postgres"
	_ "planneretl/internal/storage/sqlite"
)
