// Command pgdoorman is a PostgreSQL connection pooler: a wire-protocol
// proxy that multiplexes many client connections onto a bounded set of
// backend server connections, with prepared-statement caching, virtual
// cancellation, and an in-band admin console.
package main

import "github.com/pgdoorman/pgdoorman/internal/cli"

func main() {
	cli.Execute()
}
