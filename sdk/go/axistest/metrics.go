// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package axistest provides helpers for testing ec2axis packages.
package axistest

import (
	"bytes"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	check "gopkg.in/check.v1"
)

// GatherMetricsAsString returns the registry's metrics in the
// prometheus text exposition format.
func GatherMetricsAsString(reg *prometheus.Registry) string {
	buf := bytes.NewBuffer(nil)
	enc := expfmt.NewEncoder(buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	got, _ := reg.Gather()
	for _, mf := range got {
		enc.Encode(mf)
	}
	return buf.String()
}

// MetricValue returns the current value of the indicated counter or
// gauge (or the sample count of a histogram), or zero if no such
// metric has been recorded yet. Label names and values are given in
// pairs, sorted by name, as in:
//
//	MetricValue(c, reg, "ec2axis_workers", "pool", "build", "state", "idle")
func MetricValue(c *check.C, reg *prometheus.Registry, name string, labels ...string) float64 {
	gather, err := reg.Gather()
	c.Assert(err, check.IsNil)
	for _, mf := range gather {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if !labelsMatch(m.Label, labels) {
				continue
			}
			v, ok := value(m)
			if !ok {
				c.Fatalf("MetricValue: unsupported type %s for %s", mf.GetType(), name)
			}
			return v
		}
	}
	return 0
}

func labelsMatch(have []*dto.LabelPair, want []string) bool {
	if 2*len(have) != len(want) {
		return false
	}
	for i, lp := range have {
		if lp.GetName() != want[i*2] || lp.GetValue() != want[i*2+1] {
			return false
		}
	}
	return true
}

func value(m *dto.Metric) (float64, bool) {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue(), true
	case m.Gauge != nil:
		return m.Gauge.GetValue(), true
	case m.Histogram != nil:
		return float64(m.Histogram.GetSampleCount()), true
	}
	return 0, false
}
