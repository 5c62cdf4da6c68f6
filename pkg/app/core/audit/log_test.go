package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/storage"
	"github.com/uhyunpark/xchange/pkg/util"
)

func TestRecordAppends(t *testing.T) {
	clock := util.NewManualClock(time.Unix(1700000000, 0).UTC())
	ledger, err := storage.NewMemLedger(clock)
	if err != nil {
		t.Fatal(err)
	}
	defer ledger.Close()
	log := NewLog(ledger, clock, zap.NewNop().Sugar())

	raw := []byte(`{"sig":"x"}`)
	log.Record(raw, core.NewError(core.KindValidation, fmt.Errorf("%w: payload", core.ErrMissingField)))
	raw[0] = 'X' // the record must not alias the caller's buffer
	clock.Advance(time.Second)
	log.Record([]byte("junk"), core.NewError(core.KindAuthentication, core.ErrBadSignature))

	got, err := ledger.Rejections(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("rejections = %d, want 2", len(got))
	}
	if string(got[0].Payload) != `{"sig":"x"}` || got[0].Kind != core.KindValidation {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Kind != core.KindAuthentication || got[1].Reason == "" {
		t.Errorf("second = %+v", got[1])
	}
}

type brokenLedger struct{ storage.Ledger }

func (brokenLedger) AppendRejection(context.Context, *core.RejectedSubmission) error {
	return core.Persistence(errors.New("disk gone"))
}

func TestRecordSwallowsLedgerErrors(t *testing.T) {
	obs, logs := observer.New(zap.WarnLevel)
	log := NewLog(brokenLedger{}, util.RealClock{}, zap.New(obs).Sugar())

	log.Record([]byte("payload"), errors.New("whatever"))

	if n := logs.FilterMessage("audit_write_failed").Len(); n != 1 {
		t.Fatalf("audit_write_failed logged %d times, want 1", n)
	}
	if n := logs.FilterMessage("submission_rejected").Len(); n != 1 {
		t.Fatalf("submission_rejected logged %d times, want 1", n)
	}
}
