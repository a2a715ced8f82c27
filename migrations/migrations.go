// Package migrations embeds the harpd schema so the binary can migrate the
// database without shipping SQL files next to it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
