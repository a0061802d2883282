//go:build sqlite

package storage

func newSQLiteStore(path string) (Store, error) {
	return NewSQLiteStore(path), nil
}

// DefaultStoreKind reports the backend used when none is configured.
func DefaultStoreKind() string {
	return "sqlite"
}
