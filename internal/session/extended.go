package session

import (
	"context"
	"fmt"

	"github.com/jackc/pgproto3/v2"

	"github.com/pgdoorman/pgdoorman/internal/stmtcache"
)

// handleParse implements the client-name -> global-name rewrite of
// spec.md §4.F. If the backend's LRU already holds this digest under its
// global_name (outcome.Hit), the Parse is a cache hit: nothing is sent to
// the backend, and a locally synthesized ParseComplete takes its place
// (relayUntilReady emits it). Only on a miss does pgdoorman send the
// defensive Close(evicted...)+Close(self)+Parse dance that actually
// (re)declares the statement on this backend.
func (c *ClientConn) handleParse(ctx context.Context, p *pgproto3.Parse) error {
	if err := c.acquireBackend(ctx); err != nil {
		return c.sendFatalAndStop(err)
	}
	b := c.attachedBackend()

	if p.Name == "" {
		b.Stream.Send(p)
		return nil
	}

	stmt := c.deps.Statements.Intern(p.Query, p.ParameterOIDs)
	c.names.Bind(p.Name, stmt)

	outcome := b.Prepared.Prepare(stmt.GlobalName)
	if outcome.Hit {
		c.pendingParseCompletes++
		return nil
	}

	for _, victim := range outcome.Evicted {
		b.Stream.Send(stmtcache.CloseMessage(victim))
		c.suppressCloseCompletes++
	}
	b.Stream.Send(stmtcache.CloseMessage(stmt.GlobalName))
	c.suppressCloseCompletes++

	rewritten := &pgproto3.Parse{Name: stmt.GlobalName, Query: stmt.QueryText, ParameterOIDs: stmt.ParameterOIDs}
	b.Stream.Send(rewritten)
	return nil
}

// handleBind rewrites Bind.PreparedStatement from the client-visible name
// to the pool-global name before forwarding.
func (c *ClientConn) handleBind(ctx context.Context, bind *pgproto3.Bind) error {
	if err := c.acquireBackend(ctx); err != nil {
		return c.sendFatalAndStop(err)
	}
	b := c.attachedBackend()

	name := bind.PreparedStatement
	if name != "" {
		if stmt, ok := c.names.Lookup(name); ok {
			name = stmt.GlobalName
		}
	}
	rewritten := *bind
	rewritten.PreparedStatement = name
	b.Stream.Send(&rewritten)
	return nil
}

// rewriteDescribe rewrites a statement-targeted Describe's name; portal
// Describes pass through unchanged since portals are not renamed.
func rewriteDescribe(d *pgproto3.Describe, names *stmtcache.ClientNames) *pgproto3.Describe {
	if d.ObjectType != 'S' || d.Name == "" {
		return d
	}
	if stmt, ok := names.Lookup(d.Name); ok {
		rewritten := *d
		rewritten.Name = stmt.GlobalName
		return &rewritten
	}
	return d
}

// handleClose never closes the shared global statement on a client-issued
// Close: a statement-targeted Close only forgets the client-local alias and is
// acknowledged locally; a portal-targeted Close is forwarded as-is.
func (c *ClientConn) handleClose(ctx context.Context, m *pgproto3.Close) error {
	if m.ObjectType == 'S' {
		c.names.Forget(m.Name)
		c.stream.Send(&pgproto3.CloseComplete{})
		return nil
	}
	return c.forwardPipelined(ctx, m)
}

// forwardPipelined sends msg to the backend without waiting for (or
// flushing) a reply; replies are drained together at the next Sync.
func (c *ClientConn) forwardPipelined(ctx context.Context, msg pgproto3.FrontendMessage) error {
	if err := c.acquireBackend(ctx); err != nil {
		return c.sendFatalAndStop(err)
	}
	b := c.attachedBackend()
	b.Stream.Send(msg)
	return nil
}

// forwardAndFlush sends msg to the backend and flushes immediately,
// without waiting for a reply (Flush, CopyData/CopyDone/CopyFail arriving
// outside an active relayCopyIn loop).
func (c *ClientConn) forwardAndFlush(ctx context.Context, msg pgproto3.FrontendMessage) error {
	if err := c.acquireBackend(ctx); err != nil {
		return c.sendFatalAndStop(err)
	}
	b := c.attachedBackend()
	b.Stream.Send(msg)
	if err := b.Stream.Flush(); err != nil {
		c.dropBackend()
		return fmt.Errorf("forwarding to backend: %w", err)
	}
	return nil
}

// handleSync flushes the pipeline built up by preceding
// Parse/Bind/Describe/Execute/Close messages and relays every reply
// through to the terminating ReadyForQuery.
func (c *ClientConn) handleSync(ctx context.Context, sync *pgproto3.Sync) error {
	if err := c.acquireBackend(ctx); err != nil {
		return c.sendFatalAndStop(err)
	}
	b := c.attachedBackend()
	b.Stream.Send(sync)
	if err := b.Stream.Flush(); err != nil {
		c.dropBackend()
		return fmt.Errorf("forwarding Sync to backend: %w", err)
	}
	return c.relayUntilReady(b)
}
