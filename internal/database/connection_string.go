package database

import (
	"net/url"
	"strings"
)

// buildConnectionString generates a SQLite URI from the options. Only
// URI-level parameters go here; PRAGMAs are applied after the connection is
// established since the driver does not accept them in the DSN.
func (opts *SQLiteOptions) buildConnectionString() string {
	params := url.Values{}

	if opts.Mode != "" {
		params.Set("mode", opts.Mode)
	}
	if opts.Cache != "" {
		params.Set("cache", string(opts.Cache))
	}

	connStr := opts.Path
	if !strings.HasPrefix(connStr, "file:") {
		connStr = "file:" + connStr
	}
	if encoded := params.Encode(); encoded != "" {
		connStr += "?" + encoded
	}

	return connStr
}
