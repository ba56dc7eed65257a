package comm

import "time"

// TransactOptions configures one request/response exchange over a shared
// serial port.
type TransactOptions struct {
	ExpectsResponse bool
	ProcessingDelay time.Duration // wait after write before reading; default 50ms
	GraceInterval   time.Duration // wait for trailing bytes after the first non-empty read; default 30ms
	Timeout         time.Duration // overall read deadline
}

// DefaultTransactOptions returns the timing defaults used when a command
// doesn't need its own.
func DefaultTransactOptions() TransactOptions {
	return TransactOptions{
		ExpectsResponse: true,
		ProcessingDelay: 50 * time.Millisecond,
		GraceInterval:   30 * time.Millisecond,
		Timeout:         3 * time.Second,
	}
}

// Transact performs one command/response exchange: acquire the port
// (RemoteDevice's embedded mutex serializes concurrent callers, so
// transactions on a shared port are totally ordered by mutex acquisition),
// write the command, sleep the processing delay, then accumulate reads
// until the timeout elapses or trailing bytes stop arriving for one grace
// interval. Fire-and-forget commands (opts.ExpectsResponse == false)
// perform only the write step.
func (rd *RemoteDevice) Transact(cmd []byte, opts TransactOptions) ([]byte, error) {
	rd.Lock()
	defer rd.Unlock()

	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	if err := rd.Send(cmd); err != nil {
		return nil, err
	}
	if !opts.ExpectsResponse {
		return nil, nil
	}
	time.Sleep(opts.ProcessingDelay)
	return rd.readWithGrace(opts)
}

type readChunk struct {
	b   []byte
	err error
}

// readWithGrace reads rd.Conn until opts.Timeout elapses, or until
// opts.GraceInterval passes with no further bytes arriving after the first
// non-empty read — whichever comes first. The accumulated bytes are
// UTF-8-decoded and trimmed by the caller, not here.
func (rd *RemoteDevice) readWithGrace(opts TransactOptions) ([]byte, error) {
	ch := make(chan readChunk, 8)
	done := make(chan struct{})
	go func() {
		buf := make([]byte, 4096)
		for {
			select {
			case <-done:
				return
			default:
			}
			n, err := rd.Conn.Read(buf)
			if n > 0 {
				b := make([]byte, n)
				copy(b, buf[:n])
				select {
				case ch <- readChunk{b: b}:
				case <-done:
					return
				}
			}
			if err != nil {
				select {
				case ch <- readChunk{err: err}:
				case <-done:
				}
				return
			}
		}
	}()
	defer close(done)

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()
	var grace *time.Timer
	var graceCh <-chan time.Time

	var out []byte
	for {
		select {
		case c := <-ch:
			if c.err != nil {
				if len(out) > 0 {
					return out, nil
				}
				return out, c.err
			}
			out = append(out, c.b...)
			if grace == nil {
				grace = time.NewTimer(opts.GraceInterval)
				graceCh = grace.C
			} else {
				if !grace.Stop() {
					<-grace.C
				}
				grace.Reset(opts.GraceInterval)
			}
		case <-graceCh:
			return out, nil
		case <-deadline.C:
			if len(out) == 0 {
				return nil, ErrTimeout
			}
			return out, nil
		}
	}
}
