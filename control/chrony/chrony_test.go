package chrony

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/facebookincubator/ntp/protocol/chrony"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRefID(t *testing.T) {
	testData := []struct {
		in   net.IP
		want string
	}{
		{nil, "<nil>"},
		{net.IPv4(0, 0, 0, 0), "0.0.0.0"},
		{net.IPv4(192, 168, 1, 1), "192.168.1.1"},
		{net.IPv4(80, 80, 83, 0), "PPS"},
		{net.IPv4(71, 80, 83, 0), "GPS"},
		{net.IPv4(80, 72, 67, 48), "PHC0"},
	}

	for _, test := range testData {
		t.Run(test.in.String(), func(t *testing.T) {
			if got, want := refID(test.in), test.want; got != want {
				t.Errorf("convert refid (%s):\n  got: %v\n want: %v", []byte(test.in), got, want)
			}
		})
	}
}

func TestObserve(t *testing.T) {
	now := time.Unix(1600000000, 0)
	summary := Observe(chrony.Tracking{
		RefID:             0x47505300,
		Stratum:           1,
		LeapStatus:        3,
		LastOffset:        0.000002,
		CurrentCorrection: -0.5,
		FreqPPM:           1.25,
	}, now)

	for _, test := range []struct {
		name string
		got  float64
		want float64
	}{
		{"stratum", testutil.ToFloat64(stratumGauge), 1},
		{"leap", testutil.ToFloat64(leapGauge), 3},
		{"offset", testutil.ToFloat64(offsetGauge), 0.000002},
		{"correction", testutil.ToFloat64(correctionGauge), -0.5},
		{"frequency", testutil.ToFloat64(freqGauge), 1.25},
		{"last update", testutil.ToFloat64(lastUpdateGauge), 1600000000},
	} {
		if test.got != test.want {
			t.Errorf("%s gauge:\n  got: %v\n want: %v", test.name, test.got, test.want)
		}
	}
	for _, want := range []string{"ref GPS", "stratum 1", "unsynchronized", "offset 2µs", "correction -500ms"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary %q does not contain %q", summary, want)
		}
	}
}

func TestFormatRefID(t *testing.T) {
	if got, want := formatRefID(0xc0a80101), "192.168.1.1"; got != want {
		t.Errorf("refid 0xc0a80101:\n  got: %v\n want: %v", got, want)
	}
	if got, want := formatRefID(0x50505300), "PPS"; got != want {
		t.Errorf("refid 0x50505300:\n  got: %v\n want: %v", got, want)
	}
}

func TestFormatLeap(t *testing.T) {
	if got, want := formatLeap(0), "normal"; got != want {
		t.Errorf("leap 0:\n  got: %v\n want: %v", got, want)
	}
	if got, want := formatLeap(7), "invalid (7)"; got != want {
		t.Errorf("leap 7:\n  got: %v\n want: %v", got, want)
	}
}
