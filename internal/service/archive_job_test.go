package service

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeArchiver struct {
	posBefore, auditBefore time.Time
	posErr                 error
	audited                bool
}

func (f *fakeArchiver) ArchiveClosedPositions(_ context.Context, before time.Time) (int64, error) {
	f.posBefore = before
	return 4, f.posErr
}

func (f *fakeArchiver) ArchiveAuditLog(_ context.Context, before time.Time) (int64, error) {
	f.auditBefore = before
	f.audited = true
	return 7, nil
}

func TestArchiveJobRunOnceUsesRetention(t *testing.T) {
	arch := &fakeArchiver{}
	job := NewArchiveJob(arch, nil, ArchiveConfig{Retention: 48 * time.Hour}, discardLogger())
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	res, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Positions != 4 || res.AuditLog != 7 {
		t.Errorf("result = %+v", res)
	}
	want := now.Add(-48 * time.Hour)
	if !arch.posBefore.Equal(want) || !arch.auditBefore.Equal(want) {
		t.Errorf("cutoff = %v / %v, want %v", arch.posBefore, arch.auditBefore, want)
	}
}

func TestArchiveJobContinuesAfterPositionFailure(t *testing.T) {
	boom := errors.New("s3 down")
	arch := &fakeArchiver{posErr: boom}
	job := NewArchiveJob(arch, nil, ArchiveConfig{}, discardLogger())

	_, err := job.RunOnce(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if !arch.audited {
		t.Error("audit log not archived after position failure")
	}
}
