// Package storage owns the single passphrase-protected SQLite store: opening
// and creating the file, unlocking its master key from the key file,
// encrypting every page through the adiantum VFS, stamping the schema
// version and destructively rebuilding declared tables on upgrade.
package storage
