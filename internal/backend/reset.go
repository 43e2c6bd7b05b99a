package backend

import (
	"github.com/jackc/pgproto3/v2"

	"github.com/pgdoorman/pgdoorman/internal/pgerror"
)

// DiscardAll runs the single statement "DISCARD ALL" on the backend —
// real PostgreSQL treats it as a superset of DEALLOCATE ALL, RESET ALL,
// CLOSE ALL, and UNLISTEN * — and clears the local prepared-statement
// table to match (spec.md §4.C "discard_state").
func (c *Conn) DiscardAll() error {
	if err := c.simpleQuery("DISCARD ALL"); err != nil {
		return err
	}
	c.Prepared.Clear()
	return nil
}

// simpleQuery runs one statement to completion over the Simple Query
// protocol and returns any ErrorResponse as a pooler-local error. It is
// used only for the pooler's own maintenance statements (DISCARD ALL,
// pooler_check_query), never for client-issued SQL.
func (c *Conn) simpleQuery(sql string) error {
	c.Stream.Send(&pgproto3.Query{String: sql})
	if err := c.Stream.Flush(); err != nil {
		return pgerror.Fatal(pgerror.CodeConnectionFailure, "sending %q: %v", sql, err)
	}
	for {
		msg, err := c.Stream.Receive()
		if err != nil {
			return pgerror.Fatal(pgerror.CodeConnectionFailure, "reading response to %q: %v", sql, err)
		}
		switch m := msg.(type) {
		case *pgproto3.ParameterStatus:
			c.Params[m.Name] = m.Value
		case *pgproto3.ReadyForQuery:
			c.TxStatus = m.TxStatus
			return nil
		case *pgproto3.ErrorResponse:
			return pgerror.NonFatal(m.Code, "%s", m.Message)
		}
	}
}

// HealthCheck runs query on the backend over the Simple Query protocol;
// an empty query is a no-op. An error means the backend did not answer
// the query cleanly. The pool's maintenance sweep does not call it.
func (c *Conn) HealthCheck(query string) error {
	if query == "" {
		return nil
	}
	return c.simpleQuery(query)
}
