// Package admin implements the in-band virtual administration database
// of spec.md §4.H: SHOW/RELOAD/SHUTDOWN commands delivered over the
// Simple Query protocol against a database named "pgdoorman" or
// "pgbouncer".
package admin

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgproto3/v2"

	"github.com/pgdoorman/pgdoorman/internal/config"
	"github.com/pgdoorman/pgdoorman/internal/pool"
	"github.com/pgdoorman/pgdoorman/internal/stmtcache"
)

// virtualDatabases names every alias spec.md §4.H accepts for the admin
// console, matching pgbouncer's own dual naming.
var virtualDatabases = map[string]bool{
	"pgdoorman": true,
	"pgbouncer": true,
}

// sender is the subset of wire.ClientStream the console needs; kept as
// an interface so this package never imports internal/wire, avoiding a
// cycle with internal/session which imports both.
type sender interface {
	Send(pgproto3.BackendMessage)
	Flush() error
}

// Console answers admin queries and carries out RELOAD/SHUTDOWN.
type Console struct {
	Config *config.Watcher
	Pools  *pool.Manager
	Stmts  *stmtcache.Registry

	// Shutdown is invoked for SHUTDOWN; nil means the command is
	// rejected, which is the default until the supervisor wires itself
	// in.
	Shutdown func()
}

// IsAdminDatabase reports whether database names the virtual admin
// console rather than a real pool.
func (c *Console) IsAdminDatabase(database string) bool {
	return virtualDatabases[strings.ToLower(database)]
}

// Handle answers one Simple Query message against the admin console,
// including sending the final ReadyForQuery (spec.md §4.H).
func (c *Console) Handle(out sender, sql string) error {
	cmd := strings.TrimSpace(sql)
	cmd = strings.TrimSuffix(cmd, ";")
	upper := strings.ToUpper(cmd)

	var err error
	switch {
	case upper == "SHOW HELP":
		err = c.showHelp(out)
	case upper == "SHOW VERSION":
		err = c.showVersion(out)
	case upper == "SHOW CONFIG":
		err = c.showConfig(out)
	case upper == "SHOW DATABASES":
		err = c.showDatabases(out)
	case upper == "SHOW POOLS" || upper == "SHOW POOLS_EXTENDED":
		err = c.showPools(out)
	case upper == "SHOW STATS":
		err = c.showStats(out)
	case upper == "SHOW LISTS":
		err = c.showLists(out)
	case upper == "SHOW USERS":
		err = c.showUsers(out)
	case upper == "SHOW SERVERS":
		err = c.showServers(out)
	case upper == "SHOW CLIENTS" || upper == "SHOW SOCKETS" || upper == "SHOW CONNECTIONS":
		err = c.showEmptyTable(out, upper)
	case upper == "RELOAD":
		err = c.reload(out)
	case upper == "SHUTDOWN":
		err = c.shutdown(out)
	default:
		err = c.sendError(out, fmt.Sprintf("unrecognized admin command: %s", cmd))
	}
	if err != nil {
		return err
	}
	out.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return out.Flush()
}

func (c *Console) sendError(out sender, msg string) error {
	out.Send(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "42704", Message: msg})
	return nil
}

func (c *Console) reload(out sender) error {
	if err := c.Config.Reload(); err != nil {
		return c.sendError(out, fmt.Sprintf("reload failed: %v", err))
	}
	out.Send(&pgproto3.CommandComplete{CommandTag: []byte("RELOAD")})
	return nil
}

func (c *Console) shutdown(out sender) error {
	if c.Shutdown == nil {
		return c.sendError(out, "shutdown is not wired into this process")
	}
	out.Send(&pgproto3.CommandComplete{CommandTag: []byte("SHUTDOWN")})
	go c.Shutdown()
	return nil
}

func (c *Console) showHelp(out sender) error {
	rows := [][]string{
		{"SHOW HELP"}, {"SHOW VERSION"}, {"SHOW CONFIG"}, {"SHOW DATABASES"},
		{"SHOW POOLS"}, {"SHOW POOLS_EXTENDED"}, {"SHOW STATS"}, {"SHOW LISTS"},
		{"SHOW CLIENTS"}, {"SHOW SERVERS"}, {"SHOW USERS"}, {"SHOW SOCKETS"},
		{"SHOW CONNECTIONS"}, {"RELOAD"}, {"SHUTDOWN"},
	}
	sendTextTable(out, []string{"command"}, rows)
	return nil
}

func (c *Console) showVersion(out sender) error {
	sendTextTable(out, []string{"version"}, [][]string{{"pgdoorman 1.0 (pgbouncer-compatible admin console)"}})
	return nil
}

func (c *Console) showConfig(out sender) error {
	g := c.Config.Current().General
	rows := [][]string{
		{"host", g.Host},
		{"port", strconv.Itoa(g.Port)},
		{"max_connections", strconv.Itoa(g.MaxConnections)},
		{"max_memory_usage", strconv.FormatInt(g.MaxMemoryUsageBytes, 10)},
		{"idle_timeout", g.IdleTimeout.String()},
		{"server_lifetime", g.ServerLifetime.String()},
		{"query_wait_timeout", g.QueryWaitTimeout.String()},
		{"shutdown_timeout", g.ShutdownTimeout.String()},
		{"tls_mode", string(g.TLSMode)},
	}
	sendTextTable(out, []string{"key", "value"}, rows)
	return nil
}

func (c *Console) showDatabases(out sender) error {
	cfg := c.Config.Current()
	var rows [][]string
	for name, p := range cfg.Pools {
		rows = append(rows, []string{name, p.ServerHost, strconv.Itoa(p.ServerPort), p.ServerDatabase, string(p.PoolMode), strconv.Itoa(p.PoolSize)})
	}
	sendTextTable(out, []string{"name", "host", "port", "database", "pool_mode", "pool_size"}, rows)
	return nil
}

func (c *Console) showPools(out sender) error {
	var rows [][]string
	for _, p := range c.Pools.All() {
		s := p.Snapshot()
		rows = append(rows, []string{
			s.Database, s.User,
			strconv.Itoa(s.ClientsWaiting),
			strconv.Itoa(s.ServerActive),
			strconv.Itoa(s.ServerIdle),
			strconv.FormatInt(s.TotalServed, 10),
			strconv.FormatInt(s.TotalTimeouts, 10),
			s.AvgWaitTime.String(),
		})
	}
	sendTextTable(out, []string{"database", "user", "cl_waiting", "sv_active", "sv_idle", "total_served", "total_timeouts", "avg_wait_time"}, rows)
	return nil
}

func (c *Console) showStats(out sender) error {
	var rows [][]string
	for _, p := range c.Pools.All() {
		s := p.Snapshot()
		rows = append(rows, []string{s.Database, s.User, strconv.FormatInt(s.TotalServed, 10), strconv.FormatInt(s.TotalTimeouts, 10)})
	}
	sendTextTable(out, []string{"database", "user", "total_queries", "total_timeouts"}, rows)
	return nil
}

func (c *Console) showLists(out sender) error {
	pools := c.Pools.All()
	rows := [][]string{
		{"databases", strconv.Itoa(len(c.Config.Current().Pools))},
		{"pools", strconv.Itoa(len(pools))},
	}
	sendTextTable(out, []string{"list", "items"}, rows)
	return nil
}

// showUsers lists every configured user across every pool, from the
// config this process already has loaded (spec.md §4.H).
func (c *Console) showUsers(out sender) error {
	cfg := c.Config.Current()
	var rows [][]string
	for dbName, p := range cfg.Pools {
		for userName, u := range p.Users {
			rows = append(rows, []string{dbName, userName, string(u.AuthMethod)})
		}
	}
	sendTextTable(out, []string{"database", "name", "auth_method"}, rows)
	return nil
}

// showServers lists the idle backend connections this process currently
// holds across every pool. In-flight (assigned) backends aren't tracked
// individually and so can't appear here (spec.md §4.H).
func (c *Console) showServers(out sender) error {
	var rows [][]string
	for _, p := range c.Pools.All() {
		for _, s := range p.IdleServers() {
			rows = append(rows, []string{
				s.Database, s.User,
				strconv.FormatUint(uint64(s.PID), 10),
				"idle",
				string(s.TxStatus),
				s.CreatedAt.Format(time.RFC3339),
				s.LastUsed.Format(time.RFC3339),
			})
		}
	}
	sendTextTable(out, []string{"database", "user", "pid", "state", "tx_status", "connect_time", "last_used"}, rows)
	return nil
}

func (c *Console) showEmptyTable(out sender, which string) error {
	col := strings.ToLower(strings.TrimPrefix(which, "SHOW "))
	sendTextTable(out, []string{col}, nil)
	return nil
}
