package wire

import (
	"fmt"
	"io"
	"time"
)

const streamChunkSize = 1 << 20 // 1 MiB, per spec.md §4.A

// StreamCopy forwards n bytes from src to dst in streamChunkSize pieces
// without buffering the whole body, applying deadline as a per-chunk
// write deadline (spec.md §4.A's proxy_copy_data_timeout). Used for
// CopyData bodies larger than message_size_to_be_stream; DataRow
// payloads are never streamed. acct tracks only the single in-flight
// chunk, not the whole n bytes, since the point of streaming is to avoid
// accounting for (and buffering) the full payload at once.
func StreamCopy(dst deadlineWriter, src io.Reader, n int64, acct *MemoryAccountant, deadline time.Duration) error {
	buf := make([]byte, streamChunkSize)
	remaining := n
	for remaining > 0 {
		chunk := int64(len(buf))
		if remaining < chunk {
			chunk = remaining
		}
		if err := acct.Reserve(chunk); err != nil {
			return err
		}
		read, err := io.ReadFull(src, buf[:chunk])
		if err != nil {
			acct.Release(chunk)
			return fmt.Errorf("reading stream chunk: %w", err)
		}
		if deadline > 0 {
			_ = dst.SetWriteDeadline(time.Now().Add(deadline))
		}
		if _, err := dst.Write(buf[:read]); err != nil {
			acct.Release(chunk)
			return fmt.Errorf("writing stream chunk: %w", err)
		}
		acct.Release(chunk)
		remaining -= int64(read)
	}
	return nil
}

type deadlineWriter interface {
	io.Writer
	SetWriteDeadline(time.Time) error
}
