package monitoring_test

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"

	"sosg-strava-sync/internal/monitoring"
)

func TestErrorAttrs(t *testing.T) {
	plain := monitoring.ErrorAttrs(errors.New("boom"))
	gt.Array(t, plain).Length(2)

	wrapped := goerr.Wrap(errors.New("boom"), "failed to fetch", goerr.V("activity_id", 555))
	attrs := monitoring.ErrorAttrs(wrapped)
	gt.Array(t, attrs).Length(4).Required()
	gt.Value(t, attrs[2]).Equal(any("values"))
}

func TestReportLogsValues(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	err := goerr.Wrap(errors.New("disk full"), "failed to open sync log", goerr.V("coach_id", "c1"))
	monitoring.Report(logger, "Sync log insert failed", err, "activity_id", 555)

	out := buf.String()
	gt.String(t, out).Contains("Sync log insert failed")
	gt.String(t, out).Contains(`"coach_id":"c1"`)
	gt.String(t, out).Contains(`"activity_id":555`)
}

func TestRecover(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	func() {
		defer monitoring.Recover(logger, "Hook panicked")
		panic("nil map")
	}()

	gt.String(t, buf.String()).Contains("panic: nil map")
}
