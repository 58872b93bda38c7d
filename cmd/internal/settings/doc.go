// Package settings persists broker and extension configuration as flat key/value pairs.
//
// Keys are slash-separated paths:
//
//	general/<key>                      broker-wide options shown in the settings view
//	ext/<code>/sources/<name>/enabled  whether a data source accepts subscribers
//	ext/<code>/settings/<name>         extension setting values
//	launcher/<name>                    launcher entries (JSON)
//
// Backends are chosen by URL: memory, YAML file, SQLite or Postgres.
package settings
