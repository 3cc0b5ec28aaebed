package database

// SynchronousMode represents the available synchronous settings for SQLite
type SynchronousMode string

const (
	SynchronousOff    SynchronousMode = "OFF"
	SynchronousNormal SynchronousMode = "NORMAL"
	SynchronousFull   SynchronousMode = "FULL"
)

// JournalMode represents the available journal modes for SQLite
type JournalMode string

const (
	JournalDelete JournalMode = "DELETE"
	JournalMemory JournalMode = "MEMORY"
	JournalWAL    JournalMode = "WAL"
)

// CacheMode represents the available cache modes for SQLite
type CacheMode string

const (
	CacheShared  CacheMode = "shared"
	CachePrivate CacheMode = "private"
)

// SQLiteOptions contains configuration options for the SQLite connection
type SQLiteOptions struct {
	// Path to the SQLite database file
	Path string

	Mode        string          // ro, rw, rwc, memory
	Cache       CacheMode       // shared, private
	Journal     JournalMode     // journal_mode PRAGMA
	ForeignKeys bool            // foreign_keys PRAGMA
	BusyTimeout int             // busy_timeout PRAGMA (milliseconds)
	CacheSize   int             // cache_size PRAGMA (KB, negative for pages)
	Synchronous SynchronousMode // synchronous PRAGMA
}

// NewDefaultOptions creates SQLiteOptions with recommended defaults.
// WAL with a busy timeout lets webhook handlers and the renewal job share
// the store without writer starvation.
func NewDefaultOptions(path string) SQLiteOptions {
	return SQLiteOptions{
		Path:        path,
		Mode:        "rwc",
		Cache:       CachePrivate,
		Journal:     JournalWAL,
		ForeignKeys: true,
		BusyTimeout: 5000,
		CacheSize:   2000,
		Synchronous: SynchronousNormal,
	}
}
