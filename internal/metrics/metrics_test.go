package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"catalog-sync-service/internal/model"
)

func TestMetrics_ObserveRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	finished := time.Unix(1_700_000_000, 0)
	m.ObserveRun(model.SyncRun{
		Kind:       model.KindFull,
		Status:     model.RunPartialSuccess,
		FinishedAt: &finished,
		Outcomes: []model.PlatformOutcome{
			{PlatformID: "a", Status: model.OutcomeSuccess, Counts: model.ItemCounts{Processed: 4, Succeeded: 4}},
			{PlatformID: "b", Status: model.OutcomeError, Counts: model.ItemCounts{Processed: 2, Succeeded: 1, Failed: 1}},
			{PlatformID: "c", Status: model.OutcomeSkipped},
		},
	}, 3*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("full", "partialSuccess")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.platformOutcomes.WithLabelValues("c", "skipped")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.itemsTotal.WithLabelValues("a", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.itemsTotal.WithLabelValues("b", "failed")))
	assert.Equal(t, float64(finished.Unix()), testutil.ToFloat64(m.lastRunTimestamp))
	assert.Equal(t, 1, testutil.CollectAndCount(m.runDuration))
}

func TestMetrics_ObserveNotification(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveNotification(model.ChannelEmail, model.TriggerLowStock, "sent")
	m.ObserveNotification(model.ChannelEmail, model.TriggerLowStock, "sent")
	m.ObserveNotification(model.ChannelSMS, model.TriggerLowStock, "failed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.notifications.WithLabelValues("email", "lowStock", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("sms", "lowStock", "failed")))
}
