// Package audit keeps the append-only record of rejected submissions
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/storage"
	"github.com/uhyunpark/xchange/pkg/util"
)

// ledger writes are detached from the request so a client hanging up does
// not lose the record
const writeTimeout = 5 * time.Second

type Log struct {
	ledger storage.Ledger
	clock  util.Clock
	logger *zap.SugaredLogger
}

func NewLog(ledger storage.Ledger, clock util.Clock, logger *zap.SugaredLogger) *Log {
	return &Log{ledger: ledger, clock: clock, logger: logger}
}

// Record appends raw with the reason it was rejected. It never fails the
// caller; a ledger error is only logged.
func (l *Log) Record(raw []byte, reason error) {
	r := &core.RejectedSubmission{
		ID:         uuid.NewString(),
		Payload:    append([]byte(nil), raw...),
		Kind:       core.KindOf(reason),
		RecordedAt: l.clock.Now(),
	}
	if reason != nil {
		r.Reason = reason.Error()
	}

	l.logger.Warnw("submission_rejected", "id", r.ID, "kind", r.Kind, "reason", r.Reason, "bytes", len(raw))

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := l.ledger.AppendRejection(ctx, r); err != nil {
		l.logger.Errorw("audit_write_failed", "id", r.ID, "err", err, "payload", string(raw))
	}
}
