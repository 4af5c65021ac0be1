package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestManagerCreation(t *testing.T) {
	Convey("Given a private registry", t, func() {
		registry := prometheus.NewRegistry()

		Convey("A manager with custom names registers its collectors there", func() {
			m := NewManager(
				WithPrometheusRegistry(registry),
				WithNamespace("test"),
				WithSubsystem("unit"),
				WithHistogramBuckets([]float64{1, 2}),
			)
			So(m, ShouldNotBeNil)
			m.submissions.WithLabelValues("success").Inc()

			families, err := registry.Gather()
			So(err, ShouldBeNil)
			names := map[string]bool{}
			for _, f := range families {
				names[f.GetName()] = true
			}
			So(names["test_unit_submissions_total"], ShouldBeTrue)
		})

		Convey("Empty options keep the defaults", func() {
			m := NewManager(WithPrometheusRegistry(registry), WithNamespace(""), WithHistogramBuckets(nil))
			So(m.namespace, ShouldEqual, "passport")
			So(m.histogramBuckets, ShouldNotBeEmpty)
		})
	})
}

func TestGlobalRecorders(t *testing.T) {
	Convey("Global recorders update the custom registry", t, func() {
		before := testutil.ToFloat64(globalManager.submissions.WithLabelValues("invalid_signer"))
		RecordSubmission("invalid_signer")
		So(testutil.ToFloat64(globalManager.submissions.WithLabelValues("invalid_signer")), ShouldEqual, before+1)

		RecordStampDropped("expired")
		RecordStampsAccepted(2)
		RecordStampTakeovers(1)
		RecordStepDuration("fetched", 12)
		RecordExternalCall("ceramic", "ok", 30)
		RecordScoreRequest("ok")
		RecordScoreCache("hit")
		RecordHTTPRequest("/health/", "GET", "200")
		RecordHTTPRequestDuration("/health/", "GET", "200", 1.5)
		RecordRateLimited()
		UpdateQueueSize(3)
		UpdateQueueCapacity(10)
		RecordQueueEnqueue()
		RecordQueueDequeue()
		RecordQueueEnqueueError()
		UpdateWorkerCount(4)
		UpdateWorkerActiveCount(1)
		RecordWorkerProcessingLatency(5)
		RecordWorkerError()
		RecordCommunityRescored("success")
		RecordPassportsRescored(7)
		RecordErrorByComponent("ingest", "fetch")
		UpdateSystemMemoryUsage(1 << 20)
		UpdateSystemGoroutineCount(12)
		RecordSystemGCPauseTime(0.3)

		So(testutil.ToFloat64(globalManager.queueSize), ShouldEqual, 3)
		So(testutil.ToFloat64(globalManager.workerCount), ShouldEqual, 4)
		So(testutil.ToFloat64(globalManager.goroutineCount), ShouldEqual, 12)

		families, err := GetRegistry().Gather()
		So(err, ShouldBeNil)
		So(len(families), ShouldBeGreaterThan, 10)
	})
}
