package review

import (
	"context"

	"github.com/your-org/checkpoint/internal/models"
	"github.com/your-org/checkpoint/internal/observability"
)

type SweepReport struct {
	Expired       int `json:"expired"`
	PhotosPurged  int `json:"photos_purged"`
	RecordsPurged int `json:"records_purged"`
	PhotoFailures int `json:"photo_failures"`
}

// Sweep applies the retention policy and is safe to run repeatedly:
//   - PENDING records older than the expiry window become EXPIRED
//   - EXPIRED records lose their evidence photo
//   - reviewed records past the retention window are deleted with their photo
//
// Photo deletion is best effort; a failed delete is retried on the next run.
func (q *Queue) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := q.now().UTC()

	pending, err := q.store.ListPending(ctx, Filter{Status: models.StatusPending})
	if err != nil {
		return report, storageErr("list pending records", err)
	}
	for i := range pending {
		rec := &pending[i]
		if !rec.ExpiredAt(now, q.expireAfter) {
			continue
		}
		rec.Status = models.StatusExpired
		if err := q.store.UpdatePending(ctx, rec); err != nil {
			return report, storageErr("expire pending record", err)
		}
		report.Expired++
	}

	expired, err := q.store.ListPending(ctx, Filter{Status: models.StatusExpired})
	if err != nil {
		return report, storageErr("list expired records", err)
	}
	for i := range expired {
		rec := &expired[i]
		if rec.EvidenceRef == "" {
			continue
		}
		if !q.deletePhoto(ctx, rec, &report) {
			continue
		}
		rec.EvidenceRef = ""
		if err := q.store.UpdatePending(ctx, rec); err != nil {
			return report, storageErr("clear evidence reference", err)
		}
	}

	for _, status := range []models.PendingStatus{models.StatusApproved, models.StatusRejected} {
		reviewed, err := q.store.ListPending(ctx, Filter{Status: status})
		if err != nil {
			return report, storageErr("list reviewed records", err)
		}
		for i := range reviewed {
			rec := &reviewed[i]
			if !rec.Purgeable(now, q.retention) {
				continue
			}
			if rec.EvidenceRef != "" {
				q.deletePhoto(ctx, rec, &report)
			}
			if err := q.store.DeletePending(ctx, rec.ID); err != nil {
				return report, storageErr("purge pending record", err)
			}
			report.RecordsPurged++
		}
	}

	observability.SweepAffected.WithLabelValues("expired").Add(float64(report.Expired))
	observability.SweepAffected.WithLabelValues("photo_purged").Add(float64(report.PhotosPurged))
	observability.SweepAffected.WithLabelValues("record_purged").Add(float64(report.RecordsPurged))
	q.logger.InfoContext(ctx, "review sweep finished",
		"expired", report.Expired,
		"photos_purged", report.PhotosPurged,
		"records_purged", report.RecordsPurged,
		"photo_failures", report.PhotoFailures,
	)
	return report, nil
}

// deletePhoto swallows failures and reports whether the photo is gone.
func (q *Queue) deletePhoto(ctx context.Context, rec *models.PendingRecord, report *SweepReport) bool {
	if q.evidence == nil {
		return false
	}
	if err := q.evidence.DeleteEvidence(ctx, rec.EvidenceRef); err != nil {
		report.PhotoFailures++
		q.logger.WarnContext(ctx, "delete evidence photo", "error", err, "pending_id", rec.ID, "ref", rec.EvidenceRef)
		return false
	}
	report.PhotosPurged++
	return true
}
