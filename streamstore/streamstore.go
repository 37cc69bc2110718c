// Package streamstore implements StreamStore: an append-only, per-path log
// with TTL expiration, long-poll wake-up, JSON-array wrapping, and writer
// idempotency by sequence number. It backs the durable stream HTTP surface
// (/stream/<path>); ChannelManager does not use it and writes through to
// eventstore instead.
package streamstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/txtx/moneymq/offset"
)

var (
	// ErrStreamExists is returned by Create when a live stream already
	// occupies the path.
	ErrStreamExists = errors.New("streamstore: stream already exists")
	// ErrStreamNotFound is returned when a path has no live stream (never
	// created, deleted, or TTL-expired).
	ErrStreamNotFound = errors.New("streamstore: stream not found")
	// ErrOffsetExpired is returned when a read's from_offset precedes the
	// earliest retained message's generation.
	ErrOffsetExpired = errors.New("streamstore: offset expired")
	// ErrWriteConflict names a seq conflict between writers. No method of
	// Store returns it: Append treats a repeated seq as an idempotent
	// replay and appends under any other seq.
	ErrWriteConflict = errors.New("streamstore: write conflict")
)

// StreamMessage is one entry appended to a Stream.
type StreamMessage struct {
	Data      []byte
	Offset    string
	Timestamp time.Time
}

// Config configures a new stream at Create time.
type Config struct {
	ContentType string
	TTLSeconds  *int
	ExpiresAt   *time.Time
	InitialData []byte
}

// Stream is the durable, ordered log for one path.
type Stream struct {
	Path          string
	ContentType   string
	Messages      []StreamMessage
	CurrentOffset string
	LastSeq       *string
	TTLSeconds    *int
	ExpiresAt     *time.Time
	CreatedAt     time.Time

	generation uint64
}

// IsExpired reports whether s should be treated as absent.
func (s *Stream) IsExpired(now time.Time) bool {
	if s.ExpiresAt != nil {
		return !now.Before(*s.ExpiresAt)
	}
	if s.TTLSeconds != nil {
		return !now.Before(s.CreatedAt.Add(time.Duration(*s.TTLSeconds) * time.Second))
	}
	return false
}

// IsJSON reports whether s's content type normalizes to application/json.
func (s *Stream) IsJSON() bool {
	return normalizeContentType(s.ContentType) == "application/json"
}

func normalizeContentType(ct string) string {
	for i, c := range ct {
		if c == ';' {
			return trimSpace(ct[:i])
		}
	}
	return trimSpace(ct)
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

// ReadResult is the outcome of Read or LongPoll.
type ReadResult struct {
	Messages   []StreamMessage
	NextOffset string
	UpToDate   bool
}

type entry struct {
	mu     sync.Mutex
	cond   *sync.Cond
	stream *Stream
}

// Store is the in-memory StreamStore.
type Store struct {
	mu            sync.Mutex
	streams       map[string]*entry
	generations   map[string]uint64
	sweepInterval time.Duration
	clock         func() time.Time
	logger        *slog.Logger
	stopSweep     chan struct{}
	sweepOnce     sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithSweepInterval overrides the background TTL sweep period (default 30s).
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweepInterval = d }
}

// WithClock overrides the store's notion of "now", for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithLogger overrides the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New constructs a Store and starts its background TTL sweeper.
func New(opts ...Option) *Store {
	s := &Store{
		streams:       make(map[string]*entry),
		generations:   make(map[string]uint64),
		sweepInterval: 30 * time.Second,
		clock:         time.Now,
		logger:        slog.Default(),
		stopSweep:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweepLoop()
	return s
}

// Close stops the background sweeper.
func (s *Store) Close() {
	s.sweepOnce.Do(func() { close(s.stopSweep) })
}

func (s *Store) sweepLoop() {
	t := time.NewTicker(s.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-t.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, e := range s.streams {
		e.mu.Lock()
		expired := e.stream.IsExpired(now)
		e.mu.Unlock()
		if expired {
			delete(s.streams, path)
			s.logger.Debug("streamstore: reclaimed expired stream", "path", path)
		}
	}
}

// Create creates a new stream at path. It fails with ErrStreamExists if a
// live (non-expired) stream already occupies path.
func (s *Store) Create(path string, cfg Config) (*Stream, error) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.streams[path]; ok {
		e.mu.Lock()
		expired := e.stream.IsExpired(now)
		e.mu.Unlock()
		if !expired {
			return nil, ErrStreamExists
		}
		delete(s.streams, path)
	}

	gen := s.generations[path]
	s.generations[path] = gen + 1

	stream := &Stream{
		Path:          path,
		ContentType:   cfg.ContentType,
		CurrentOffset: offset.Format(gen, 0),
		TTLSeconds:    cfg.TTLSeconds,
		ExpiresAt:     cfg.ExpiresAt,
		CreatedAt:     now,
		generation:    gen,
	}
	e := &entry{stream: stream}
	e.cond = sync.NewCond(&e.mu)
	s.streams[path] = e

	if len(cfg.InitialData) > 0 {
		appendLocked(e, cfg.InitialData, nil, now)
	}

	return cloneStream(stream), nil
}

// Exists reports whether path has a live stream.
func (s *Store) Exists(path string) bool {
	now := s.clock()
	s.mu.Lock()
	e, ok := s.streams[path]
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.stream.IsExpired(now)
}

// Delete removes the stream at path. Physical reclamation of retained
// buffers is immediate in this in-memory implementation.
func (s *Store) Delete(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.streams[path]; ok {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
		delete(s.streams, path)
	}
}

// Append appends data to the stream at path. If seq is non-nil and equals
// the stream's last recorded seq, the append is a no-op that returns the
// existing tail (writer idempotency).
func (s *Store) Append(path string, data []byte, seq *string) (string, StreamMessage, error) {
	now := s.clock()
	e, err := s.liveEntry(path, now)
	if err != nil {
		return "", StreamMessage{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stream.IsExpired(now) {
		return "", StreamMessage{}, ErrStreamNotFound
	}
	if seq != nil && e.stream.LastSeq != nil && *seq == *e.stream.LastSeq {
		tail := e.stream.Messages[len(e.stream.Messages)-1]
		return e.stream.CurrentOffset, tail, nil
	}

	msg := appendLocked(e, data, seq, now)
	e.cond.Broadcast()
	return e.stream.CurrentOffset, msg, nil
}

func appendLocked(e *entry, data []byte, seq *string, now time.Time) StreamMessage {
	s := e.stream
	msg := StreamMessage{Data: data, Offset: s.CurrentOffset, Timestamp: now}
	s.Messages = append(s.Messages, msg)

	if next, ok := offset.Next(s.CurrentOffset, uint64(len(data))); ok {
		s.CurrentOffset = next
	}
	s.LastSeq = seq
	return msg
}

// Read returns messages from fromOffset onward in storage order, along
// with the next offset to read from. "-1" returns whatever is currently
// present. Reads always run through the tail, so the result is up to date
// by construction.
func (s *Store) Read(path string, fromOffset string) (ReadResult, error) {
	now := s.clock()
	e, err := s.liveEntry(path, now)
	if err != nil {
		return ReadResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return readLocked(e.stream, fromOffset)
}

func readLocked(stream *Stream, fromOffset string) (ReadResult, error) {
	if fromOffset == offset.Tail {
		// "-1" reads everything currently present: every stored offset
		// compares greater than the empty string.
		fromOffset = ""
	}

	if fromOffset != "" && len(stream.Messages) > 0 {
		earliest := stream.Messages[0].Offset
		if offset.Compare(fromOffset, earliest) < 0 {
			fromSeq, _, ok1 := offset.Parse(fromOffset)
			earliestSeq, _, ok2 := offset.Parse(earliest)
			if ok1 && ok2 && fromSeq < earliestSeq {
				return ReadResult{}, ErrOffsetExpired
			}
		}
	}

	// fromOffset is an inclusive resume position: readers hand back the
	// next_offset of their previous read, which is exactly the offset the
	// next append will be assigned.
	var out []StreamMessage
	for _, m := range stream.Messages {
		if offset.Compare(m.Offset, fromOffset) >= 0 {
			out = append(out, m)
		}
	}
	return ReadResult{
		Messages:   out,
		NextOffset: stream.CurrentOffset,
		UpToDate:   true,
	}, nil
}

// LongPoll behaves like Read, except that an empty immediate result
// suspends the caller until an append advances past fromOffset or until
// timeout elapses. A timeout returns an empty, up-to-date result.
func (s *Store) LongPoll(ctx context.Context, path string, fromOffset string, timeout time.Duration) (ReadResult, error) {
	now := s.clock()
	e, err := s.liveEntry(path, now)
	if err != nil {
		return ReadResult{}, err
	}

	e.mu.Lock()
	result, err := readLocked(e.stream, fromOffset)
	if err != nil {
		e.mu.Unlock()
		return ReadResult{}, err
	}
	if len(result.Messages) > 0 {
		e.mu.Unlock()
		return result, nil
	}
	e.mu.Unlock()

	deadline := time.Now().Add(timeout)
	woke := make(chan ReadResult, 1)
	waitErr := make(chan error, 1)
	done := make(chan struct{})

	go func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for {
			select {
			case <-done:
				return
			default:
			}
			res, err := readLocked(e.stream, fromOffset)
			if err != nil {
				waitErr <- err
				return
			}
			if len(res.Messages) > 0 {
				woke <- res
				return
			}
			if !time.Now().Before(deadline) {
				woke <- ReadResult{NextOffset: e.stream.CurrentOffset, UpToDate: true}
				return
			}
			e.cond.Wait()
		}
	}()

	select {
	case <-ctx.Done():
		close(done)
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
		return ReadResult{}, ctx.Err()
	case res := <-woke:
		return res, nil
	case err := <-waitErr:
		return ReadResult{}, err
	case <-time.After(timeout + 50*time.Millisecond):
		close(done)
		e.mu.Lock()
		next := e.stream.CurrentOffset
		e.cond.Broadcast()
		e.mu.Unlock()
		return ReadResult{NextOffset: next, UpToDate: true}, nil
	}
}

// IsJSONStream reports whether the live stream at path carries JSON
// content (its readers wrap messages in a JSON array).
func (s *Store) IsJSONStream(path string) (bool, error) {
	e, err := s.liveEntry(path, s.clock())
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stream.IsJSON(), nil
}

// liveEntry returns the entry at path, or ErrStreamNotFound if absent or
// expired.
func (s *Store) liveEntry(path string, now time.Time) (*entry, error) {
	s.mu.Lock()
	e, ok := s.streams[path]
	s.mu.Unlock()
	if !ok {
		return nil, ErrStreamNotFound
	}
	e.mu.Lock()
	expired := e.stream.IsExpired(now)
	e.mu.Unlock()
	if expired {
		return nil, ErrStreamNotFound
	}
	return e, nil
}

// ReadJSON wraps result.Messages in a JSON array, for streams whose content
// type normalizes to application/json. Non-JSON streams should use
// result.Messages directly as opaque byte ranges.
func ReadJSON(result ReadResult) (json.RawMessage, error) {
	values := make([]json.RawMessage, len(result.Messages))
	for i, m := range result.Messages {
		values[i] = json.RawMessage(m.Data)
	}
	b, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("streamstore: marshal json read result: %w", err)
	}
	return b, nil
}

func cloneStream(s *Stream) *Stream {
	cp := *s
	cp.Messages = append([]StreamMessage(nil), s.Messages...)
	return &cp
}
