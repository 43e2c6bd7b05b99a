package session

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgproto3/v2"

	"github.com/pgdoorman/pgdoorman/internal/backend"
	"github.com/pgdoorman/pgdoorman/internal/pgerror"
	"github.com/pgdoorman/pgdoorman/internal/wire"
)

// serveOneRound reads exactly one client message and drives it to
// completion: Query opens and fully drains a Simple Query round,
// Parse/Bind/Describe/Execute queue onto the backend without waiting for
// a reply (real extended-protocol pipelining), and a following Sync
// flushes the pipeline and relays everything buffered so far.
func (c *ClientConn) serveOneRound(ctx context.Context) error {
	msg, err := c.stream.Receive()
	if err != nil {
		return fmt.Errorf("client receive error: %w", err)
	}

	switch m := msg.(type) {
	case *pgproto3.Terminate:
		return errClientTerminated

	case *pgproto3.Query:
		return c.handleSimpleQuery(ctx, m)

	case *pgproto3.Parse:
		return c.handleParse(ctx, m)

	case *pgproto3.Bind:
		return c.handleBind(ctx, m)

	case *pgproto3.Describe:
		return c.forwardPipelined(ctx, rewriteDescribe(m, c.names))

	case *pgproto3.Execute:
		return c.forwardPipelined(ctx, m)

	case *pgproto3.Close:
		return c.handleClose(ctx, m)

	case *pgproto3.Flush:
		return c.forwardAndFlush(ctx, m)

	case *pgproto3.Sync:
		return c.handleSync(ctx, m)

	case *pgproto3.CopyData, *pgproto3.CopyDone, *pgproto3.CopyFail:
		return c.forwardAndFlush(ctx, msg)

	default:
		return fmt.Errorf("unsupported client message %T", msg)
	}
}

// handleSimpleQuery implements the Simple Query sub-protocol (spec.md
// §4.A): admin-database queries and DEALLOCATE ALL are answered locally;
// everything else is forwarded to the assigned backend and relayed
// verbatim through to ReadyForQuery.
func (c *ClientConn) handleSimpleQuery(ctx context.Context, q *pgproto3.Query) error {
	if c.deps.Admin != nil && c.deps.Admin.IsAdminDatabase(c.database) {
		return c.deps.Admin.Handle(c.stream, q.String)
	}

	if isDeallocateAll(q.String) {
		// the backend keeps its shared prepared statements; only this
		// client's names are forgotten
		c.names.Clear()
		txStatus := byte('I')
		c.mu.Lock()
		if c.backend != nil {
			txStatus = c.backend.TxStatus
		}
		c.mu.Unlock()
		c.stream.Send(&pgproto3.CommandComplete{CommandTag: []byte("DEALLOCATE")})
		c.stream.Send(&pgproto3.ReadyForQuery{TxStatus: txStatus})
		return c.stream.Flush()
	}
	if isDiscardAll(q.String) {
		c.names.Clear()
		c.explicitDiscard = true
	}

	if err := c.acquireBackend(ctx); err != nil {
		return c.sendFatalAndStop(err)
	}
	b := c.attachedBackend()

	b.Stream.Send(q)
	if err := b.Stream.Flush(); err != nil {
		c.dropBackend()
		return fmt.Errorf("forwarding query to backend: %w", err)
	}
	return c.relayUntilReady(b)
}

func isDeallocateAll(sql string) bool {
	s := strings.TrimSpace(strings.ToUpper(sql))
	return strings.HasPrefix(s, "DEALLOCATE ALL")
}

func isDiscardAll(sql string) bool {
	s := strings.TrimSpace(strings.ToUpper(sql))
	return strings.HasPrefix(s, "DISCARD ALL")
}

// attachedBackend reads the currently assigned backend under the session
// lock. Callers only invoke it right after acquireBackend succeeds.
func (c *ClientConn) attachedBackend() *backend.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend
}

// dropBackend discards a backend that broke mid-round instead of
// returning it to the idle deque (spec.md §4.D "drop").
func (c *ClientConn) dropBackend() {
	c.mu.Lock()
	b := c.backend
	c.backend = nil
	c.mu.Unlock()
	if b == nil {
		return
	}
	if p, ok := c.deps.Pools.PoolFor(c.database, c.user); ok {
		p.Drop(b)
	} else {
		b.Close()
	}
}

// relayUntilReady copies backend messages to the client up to and
// including the next ReadyForQuery, applying the release-point matrix
// once it arrives. CloseComplete replies generated by pgdoorman's own
// defensive Close-before-Parse (handleParse) are swallowed rather than
// forwarded, so the client only ever sees one reply per message it sent
// (spec.md §4.F). Any Parse messages handleParse turned into cache hits
// get their ParseComplete synthesized here, up front, since the backend
// never saw those Parses at all.
func (c *ClientConn) relayUntilReady(b *backend.Conn) error {
	for ; c.pendingParseCompletes > 0; c.pendingParseCompletes-- {
		c.stream.Send(&pgproto3.ParseComplete{})
	}

	for {
		msg, err := b.Stream.Receive()
		if err != nil {
			c.dropBackend()
			return fmt.Errorf("backend receive error: %w", err)
		}

		if _, ok := msg.(*pgproto3.CloseComplete); ok && c.suppressCloseCompletes > 0 {
			c.suppressCloseCompletes--
			continue
		}

		switch row := msg.(type) {
		case *pgproto3.DataRow:
			if err := c.forwardDataRow(row); err != nil {
				c.dropBackend()
				return c.sendFatalAndStop(err)
			}
		case *pgproto3.CopyData:
			if err := c.forwardCopyDataToClient(row); err != nil {
				c.dropBackend()
				return c.sendFatalAndStop(err)
			}
		default:
			c.stream.Send(msg)
		}

		switch m := msg.(type) {
		case *pgproto3.CopyInResponse:
			if err := c.stream.Flush(); err != nil {
				return fmt.Errorf("client send error: %w", err)
			}
			if err := c.relayCopyIn(b); err != nil {
				c.dropBackend()
				return err
			}
		case *pgproto3.ReadyForQuery:
			if err := c.stream.Flush(); err != nil {
				return fmt.Errorf("client send error: %w", err)
			}
			b.TxStatus = m.TxStatus
			c.maybeReleaseAfterReady(m.TxStatus)
			return nil
		}
	}
}

// relayCopyIn forwards client CopyData/CopyDone/CopyFail messages
// straight to the backend until the client ends the copy-in stream
// (spec.md §4.A COPY handling), then returns control to
// relayUntilReady's backend-reading loop.
func (c *ClientConn) relayCopyIn(b *backend.Conn) error {
	for {
		msg, err := c.stream.Receive()
		if err != nil {
			return fmt.Errorf("client receive error during COPY: %w", err)
		}

		if cd, ok := msg.(*pgproto3.CopyData); ok {
			if err := c.forwardCopyDataToBackend(b, cd); err != nil {
				return c.sendFatalAndStop(err)
			}
		} else {
			b.Stream.Send(msg)
			if err := b.Stream.Flush(); err != nil {
				return fmt.Errorf("forwarding COPY data to backend: %w", err)
			}
		}

		switch msg.(type) {
		case *pgproto3.CopyDone, *pgproto3.CopyFail:
			return nil
		}
	}
}

// reserveMemory accounts delta bytes against max_memory_usage (spec.md
// §5), returning a pooler-local out-of-memory error if the budget is
// exceeded. A nil Memory accountant (as in tests that don't wire one)
// makes this a no-op.
func (c *ClientConn) reserveMemory(delta int64) error {
	if c.deps.Memory == nil || delta <= 0 {
		return nil
	}
	if err := c.deps.Memory.Reserve(delta); err != nil {
		return pgerror.Fatal(pgerror.CodeOutOfMemory, "%v", err)
	}
	return nil
}

func (c *ClientConn) releaseMemory(delta int64) {
	if c.deps.Memory == nil {
		return
	}
	c.deps.Memory.Release(delta)
}

func dataRowSize(m *pgproto3.DataRow) int64 {
	var n int64
	for _, v := range m.Values {
		n += int64(len(v))
	}
	return n
}

// forwardDataRow accounts a DataRow's payload against max_memory_usage
// before forwarding it to the client, refunding the reservation once the
// row has been queued.
func (c *ClientConn) forwardDataRow(m *pgproto3.DataRow) error {
	size := dataRowSize(m)
	if err := c.reserveMemory(size); err != nil {
		return err
	}
	c.stream.Send(m)
	c.releaseMemory(size)
	return nil
}

// forwardCopyDataToClient relays one COPY OUT chunk to the client.
// Chunks larger than message_size_to_be_stream bypass pgproto3.Send and
// are written straight to the raw connection via wire.StreamCopy, so a
// single oversized chunk is accounted and deadlined piece by piece
// instead of all at once (spec.md §4.A).
func (c *ClientConn) forwardCopyDataToClient(m *pgproto3.CopyData) error {
	g := c.deps.Config.Current().General
	size := int64(len(m.Data))
	if g.MessageSizeToBeStream > 0 && size > int64(g.MessageSizeToBeStream) {
		return c.streamCopyData(c.stream.Conn, m.Data, g.ProxyCopyDataTimeout)
	}
	if err := c.reserveMemory(size); err != nil {
		return err
	}
	c.stream.Send(m)
	c.releaseMemory(size)
	return nil
}

// forwardCopyDataToBackend is forwardCopyDataToClient's mirror for COPY
// IN, writing to the backend's raw connection once a chunk crosses
// message_size_to_be_stream.
func (c *ClientConn) forwardCopyDataToBackend(b *backend.Conn, m *pgproto3.CopyData) error {
	g := c.deps.Config.Current().General
	size := int64(len(m.Data))
	if g.MessageSizeToBeStream > 0 && size > int64(g.MessageSizeToBeStream) {
		return c.streamCopyData(b.Stream.Conn, m.Data, g.ProxyCopyDataTimeout)
	}
	if err := c.reserveMemory(size); err != nil {
		return err
	}
	b.Stream.Send(m)
	if err := b.Stream.Flush(); err != nil {
		return fmt.Errorf("forwarding COPY data to backend: %w", err)
	}
	c.releaseMemory(size)
	return nil
}

// streamCopyData writes one CopyData message's wire envelope directly to
// dst, then streams the body through wire.StreamCopy in
// memory-accounted, deadlined chunks rather than handing the whole body
// to a single Write.
func (c *ClientConn) streamCopyData(dst deadlineConn, body []byte, deadline time.Duration) error {
	envelope := make([]byte, 5)
	envelope[0] = 'd'
	n := uint32(len(body) + 4)
	envelope[1], envelope[2], envelope[3], envelope[4] = byte(n>>24), byte(n>>16), byte(n>>8), byte(n)
	if _, err := dst.Write(envelope); err != nil {
		return fmt.Errorf("writing CopyData envelope: %w", err)
	}
	acct := c.deps.Memory
	if acct == nil {
		acct = wire.NewMemoryAccountant(0)
	}
	return wire.StreamCopy(dst, bytes.NewReader(body), int64(len(body)), acct, deadline)
}

// deadlineConn is the subset of net.Conn wire.StreamCopy needs for a raw
// write, named locally since wire's own deadlineWriter is unexported.
type deadlineConn interface {
	Write(p []byte) (int, error)
	SetWriteDeadline(t time.Time) error
}

func (c *ClientConn) sendFatalAndStop(err error) error {
	if pe, ok := err.(*pgerror.Error); ok {
		pe.SendTo(c.stream)
		c.stream.Flush()
		return pe
	}
	return err
}
