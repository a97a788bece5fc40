package statelink

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

/*
Synchronizes a live, in-process object graph with one or more external state
sources so that changes flow in both directions with eventual consistency:
- property mutations are deduplicated, batched, and written to each source
  with bounded retry under backpressure
- inbound updates received while a source is (re)connecting are buffered and
  replayed in order once the full initial state is applied, so no update is
  lost or applied out of order
- per-property ownership claims suppress update echoes between a source and
  the graph it feeds
- the graph is encoded as a flat, cycle-safe update structure keyed by
  subject identifier
*/

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

// `encoding.TextMarshaler`, used when an `Id` is a map key in a flat update
func (self Id) MarshalText() ([]byte, error) {
	return []byte(encodeUuid(self)), nil
}

func (self *Id) UnmarshalText(src []byte) error {
	buf, err := parseUuid(string(src))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// a node in the observed object graph whose properties are change-tracked.
// identity is pointer identity. The dynamic type must be registered in a
// `TypeRegistry` under the returned kind.
type Subject interface {
	SubjectKind() string
}

// identifies a single property slot on a specific subject instance.
// comparable, used as a map key everywhere.
type PropertyRef struct {
	Subject Subject
	Name    string
}

func (self PropertyRef) String() string {
	return fmt.Sprintf("%s.%s", self.Subject.SubjectKind(), self.Name)
}

// identifies one external state source. Sources are compared by handle
// pointer, so two connections to the same endpoint are distinct sources.
type SourceHandle struct {
	sourceId Id
	name     string
}

func NewSourceHandle(name string) *SourceHandle {
	return &SourceHandle{
		sourceId: NewId(),
		name:     name,
	}
}

func (self *SourceHandle) SourceId() Id {
	return self.sourceId
}

func (self *SourceHandle) Name() string {
	return self.name
}

func (self *SourceHandle) String() string {
	return fmt.Sprintf("%s(%s)", self.name, self.sourceId)
}

// an immutable record of one property mutation.
// `Origin` nil means the mutation originated in-process.
// never mutated after creation.
type SubjectPropertyChange struct {
	Ref         PropertyRef
	Origin      *SourceHandle
	ChangeTime  time.Time
	ReceiveTime time.Time
	OldValue    any
	NewValue    any
}

// outcome of attempting to write a batch of changes to a source.
// ordinary write failures are values, never panics. The only error that
// crosses the write boundary is cancellation.
type WriteResult struct {
	err       error
	remaining []*SubjectPropertyChange
}

func WriteSuccess() *WriteResult {
	return &WriteResult{}
}

// all changes in the batch failed
func WriteFailure(err error) *WriteResult {
	return &WriteResult{
		err: err,
	}
}

// `remaining` is the subset of the batch still outstanding, in batch order
func WritePartialFailure(remaining []*SubjectPropertyChange, err error) *WriteResult {
	return &WriteResult{
		err:       err,
		remaining: remaining,
	}
}

func (self *WriteResult) Success() bool {
	return self.err == nil
}

func (self *WriteResult) Partial() bool {
	return self.err != nil && 0 < len(self.remaining)
}

func (self *WriteResult) Err() error {
	return self.err
}

func (self *WriteResult) Remaining() []*SubjectPropertyChange {
	return self.remaining
}

// handle for an active inbound listen on a source
type Subscription interface {
	// stops the listen. Safe to call multiple times.
	Close()
	// closed when the listen ends, whether by `Close` or by connection failure
	Done() <-chan struct{}
	// the connection error that ended the listen, or nil after `Close`
	Err() error
}

// implemented by protocol connectors. The sync service composes one
// `SubjectSource` per connection.
type SubjectSource interface {
	SourceHandle() *SourceHandle

	// begin receiving inbound pushes, writing each through `writer`
	StartListening(ctx context.Context, writer *InboundUpdateWriter) (Subscription, error)

	// fetch a full snapshot. The returned action applies it, so that loading
	// and applying can be sequenced around the inbound buffering decisions.
	LoadInitialState(ctx context.Context) (func(ctx context.Context) error, error)

	// write one batch. Ordinary failures are reported in the result.
	// the returned error is reserved for cancellation.
	WriteChanges(ctx context.Context, changes []*SubjectPropertyChange) (*WriteResult, error)

	// maximum change count per write call. <= 0 means unbounded.
	WriteBatchSize() int

	// source-specific property filter
	IsPropertyIncluded(ref PropertyRef) bool
}

// writes `changes` to the source in chunks of at most `WriteBatchSize`.
// stops at the first failed chunk. The remaining changes of a partial result
// include the failed subset plus every unsent chunk, in batch order.
func writeChangesInBatches(
	ctx context.Context,
	source SubjectSource,
	changes []*SubjectPropertyChange,
) (*WriteResult, error) {
	batchSize := source.WriteBatchSize()
	if batchSize <= 0 || len(changes) <= batchSize {
		return source.WriteChanges(ctx, changes)
	}

	for i := 0; i < len(changes); i += batchSize {
		j := min(i+batchSize, len(changes))
		result, err := source.WriteChanges(ctx, changes[i:j])
		if err != nil {
			return nil, err
		}
		if !result.Success() {
			remaining := result.Remaining()
			if remaining == nil {
				remaining = changes[i:j]
			}
			if j < len(changes) {
				remaining = append(
					append([]*SubjectPropertyChange{}, remaining...),
					changes[j:]...,
				)
			}
			return WritePartialFailure(remaining, result.Err()), nil
		}
	}
	return WriteSuccess(), nil
}
