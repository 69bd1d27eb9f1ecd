package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.ConnectionsActive == nil {
		t.Error("ConnectionsActive metric is nil")
	}
	if m.BytesRelayed == nil {
		t.Error("BytesRelayed metric is nil")
	}
}

func TestRecordConnectDisconnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnect()
	m.RecordConnect()
	m.RecordDisconnect()

	active := testutil.ToFloat64(m.ConnectionsActive)
	if active != 1 {
		t.Errorf("ConnectionsActive = %v, want 1", active)
	}

	total := testutil.ToFloat64(m.ConnectionsTotal)
	if total != 2 {
		t.Errorf("ConnectionsTotal = %v, want 2", total)
	}
}

func TestRecordAdmissionDenial(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordAdmissionDenial("connection_limit")
	m.RecordAdmissionDenial("connection_limit")
	m.RecordAdmissionDenial("blacklisted")

	limitDenials := testutil.ToFloat64(m.AdmissionDenials.WithLabelValues("connection_limit"))
	if limitDenials != 2 {
		t.Errorf("AdmissionDenials[connection_limit] = %v, want 2", limitDenials)
	}

	blacklistDenials := testutil.ToFloat64(m.AdmissionDenials.WithLabelValues("blacklisted"))
	if blacklistDenials != 1 {
		t.Errorf("AdmissionDenials[blacklisted] = %v, want 1", blacklistDenials)
	}
}

func TestRecordAuthFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordAuthFailure("bad_credentials")
	m.RecordAuthFailure("bad_credentials")
	m.RecordAuthFailure("no_acceptable_method")

	badCreds := testutil.ToFloat64(m.AuthFailures.WithLabelValues("bad_credentials"))
	if badCreds != 2 {
		t.Errorf("AuthFailures[bad_credentials] = %v, want 2", badCreds)
	}
}

func TestRecordHandshake(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHandshake(0.1, "succeeded")
	m.RecordHandshake(0.2, "host_unreachable")
	m.RecordHandshake(0.05, "host_unreachable")

	errs := testutil.ToFloat64(m.HandshakeErrors.WithLabelValues("host_unreachable"))
	if errs != 2 {
		t.Errorf("HandshakeErrors[host_unreachable] = %v, want 2", errs)
	}

	succeeded := testutil.ToFloat64(m.HandshakeErrors.WithLabelValues("succeeded"))
	if succeeded != 0 {
		t.Errorf("HandshakeErrors[succeeded] = %v, want 0 (successes aren't errors)", succeeded)
	}
}

func TestRecordBytesRelayed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordBytesRelayed("upstream", 1000)
	m.RecordBytesRelayed("upstream", 500)
	m.RecordBytesRelayed("downstream", 2000)
	m.RecordBytesRelayed("downstream", 0)

	up := testutil.ToFloat64(m.BytesRelayed.WithLabelValues("upstream"))
	if up != 1500 {
		t.Errorf("BytesRelayed[upstream] = %v, want 1500", up)
	}

	down := testutil.ToFloat64(m.BytesRelayed.WithLabelValues("downstream"))
	if down != 2000 {
		t.Errorf("BytesRelayed[downstream] = %v, want 2000", down)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return the same instance")
	}
	if m1 == nil {
		t.Error("Default() returned nil")
	}
}
