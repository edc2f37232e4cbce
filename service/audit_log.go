package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"biosure-backend/models"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// AuditSink stores audit entries. Implementations must be append-only.
type AuditSink interface {
	Write(ctx context.Context, e models.AuditEntry) error
}

// OpsEvent reports that an audit entry could not be stored
type OpsEvent struct {
	Time  time.Time
	Entry models.AuditEntry
	Err   error
}

// AuditLog is the compliance trail for handler invocations and external calls.
// Appending never fails the caller; sink failures go to the ops channel.
// A nil *AuditLog discards everything.
type AuditLog struct {
	sink         AuditSink
	clock        Clock
	logger       *slog.Logger
	writeTimeout time.Duration
	ops          chan OpsEvent
	dropped      atomic.Int64
}

// AuditLogOption is a functional option for AuditLog
type AuditLogOption func(*AuditLog)

// AuditWithClock sets the clock used for timestamps
func AuditWithClock(clock Clock) AuditLogOption {
	return func(l *AuditLog) {
		l.clock = clock
	}
}

// AuditWithLogger sets the logger
func AuditWithLogger(logger *slog.Logger) AuditLogOption {
	return func(l *AuditLog) {
		l.logger = logger
	}
}

// AuditWithOpsBuffer sets how many unread ops events are kept before new ones are dropped
func AuditWithOpsBuffer(n int) AuditLogOption {
	return func(l *AuditLog) {
		l.ops = make(chan OpsEvent, n)
	}
}

// AuditWithWriteTimeout bounds each sink write
func AuditWithWriteTimeout(d time.Duration) AuditLogOption {
	return func(l *AuditLog) {
		l.writeTimeout = d
	}
}

// NewAuditLog creates an audit log writing to sink
func NewAuditLog(sink AuditSink, opts ...AuditLogOption) *AuditLog {
	l := &AuditLog{
		sink:         sink,
		clock:        RealClock(),
		logger:       slog.Default(),
		writeTimeout: 2 * time.Second,
		ops:          make(chan OpsEvent, 64),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "audit")
	return l
}

// OpsErrors returns the operational error channel
func (l *AuditLog) OpsErrors() <-chan OpsEvent {
	return l.ops
}

// Dropped returns how many ops events were discarded because nobody was reading
func (l *AuditLog) Dropped() int64 {
	return l.dropped.Load()
}

// Append stores e, assigning an id and timestamp if missing. The write is not
// cancelled with ctx so a request that ends early is still audited.
func (l *AuditLog) Append(ctx context.Context, e models.AuditEntry) {
	if l == nil {
		return
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.TimestampUTC.IsZero() {
		e.TimestampUTC = l.clock.Now().UTC()
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.writeTimeout)
	defer cancel()

	if err := l.writeSafely(wctx, e); err != nil {
		l.logger.Error("audit write failed", "actor", e.Actor, "action", e.Action, "error", err)
		select {
		case l.ops <- OpsEvent{Time: l.clock.Now(), Entry: e, Err: err}:
		default:
			l.dropped.Add(1)
		}
	}
}

func (l *AuditLog) writeSafely(ctx context.Context, e models.AuditEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("audit sink panic: %v", r)
		}
	}()
	if l.sink == nil {
		return fmt.Errorf("no audit sink configured")
	}
	return l.sink.Write(ctx, e)
}

// Record builds and appends an entry for one action. Inputs and outputs are
// stored only as digests; the error text, if any, is kept as the entry detail.
func (l *AuditLog) Record(ctx context.Context, actor, action string, inputs, outputs any, err error) {
	if l == nil {
		return
	}
	e := models.AuditEntry{
		Actor:         actor,
		Action:        action,
		InputsDigest:  Digest(inputs),
		OutputsDigest: Digest(outputs),
		Outcome:       models.OutcomeSuccess,
	}
	if err != nil {
		e.Outcome = models.OutcomeFailure
		e.Detail = err.Error()
	}
	l.Append(ctx, e)
}

// Digest returns the hex SHA3-256 of v's JSON encoding
func Digest(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprintf("%#v", v))
	}
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
