// Package chrony watches chronyd's idea of how good the system clock is.  The hands can only be as
// right as the clock they read, so this exports chrony's tracking data next to the clock's own
// metrics.  It never adjusts the clock.
package chrony

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"net"
	"time"

	"github.com/facebookincubator/ntp/protocol/chrony"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
)

var (
	stratumGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chrony_stratum",
		Help: "stratum of the system clock according to chronyd",
	})
	leapGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chrony_leap_status",
		Help: "chronyd leap status; 0 normal, 1 insert, 2 delete, 3 unsynchronized",
	})
	offsetGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chrony_last_offset_seconds",
		Help: "offset of the system clock at the last measurement",
	})
	correctionGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chrony_correction_seconds",
		Help: "current correction chronyd is slewing out of the system clock",
	})
	freqGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chrony_frequency_ppm",
		Help: "frequency error of the system clock, in parts per million",
	})
	lastUpdateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chrony_last_update_timestamp_seconds",
		Help: "unix time of the last tracking reply from chronyd",
	})
)

// Monitor polls chronyd at addr every interval until the context is done, reconnecting after
// errors.
func Monitor(ctx context.Context, addr string, interval time.Duration) {
	l := trace.NewEventLog("service", "chrony")
	defer l.Finish()
	for {
		err := poll(ctx, l, addr, interval)
		if ctx.Err() != nil {
			return
		}
		log.Printf("chrony monitor exited unexpectedly: %v", err)
		l.Errorf("poll exited unexpectedly: %v", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Second):
		}
	}
}

func poll(ctx context.Context, l trace.EventLog, addr string, interval time.Duration) error {
	l.Printf("dial %s", addr)
	conn, err := net.DialTimeout("udp", addr, time.Second)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c := chrony.Client{Sequence: 1, Connection: conn}
	for {
		deadline := time.Now().Add(time.Minute)
		if err := conn.SetReadDeadline(deadline); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		res, err := c.Communicate(chrony.NewTrackingPacket())
		if err != nil {
			return fmt.Errorf("get tracking info: communicate: %w", err)
		}
		tracking, ok := res.(*chrony.ReplyTracking)
		if !ok {
			l.Errorf("tracking reply was of unexpected type: %#v", res)
		} else {
			l.Printf("%s", Observe(tracking.Tracking, time.Now()))
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for next poll: %w", ctx.Err())
		case <-time.After(interval):
		}
	}
}

// Observe exports a tracking report as metrics and returns a one-line summary of it.
func Observe(t chrony.Tracking, now time.Time) string {
	stratumGauge.Set(float64(t.Stratum))
	leapGauge.Set(float64(t.LeapStatus))
	offsetGauge.Set(t.LastOffset)
	correctionGauge.Set(t.CurrentCorrection)
	freqGauge.Set(t.FreqPPM)
	lastUpdateGauge.Set(float64(now.UnixNano()) / 1e9)
	return fmt.Sprintf("ref %s stratum %d leap %s offset %v correction %v freq %.3fppm",
		formatRefID(t.RefID), t.Stratum, formatLeap(t.LeapStatus), formatSeconds(t.LastOffset), formatSeconds(t.CurrentCorrection), t.FreqPPM)
}

func formatSeconds(x float64) time.Duration {
	return time.Duration(math.Round(x * 1e9))
}

func formatLeap(x uint16) string {
	// From chrony/client.c and chrony/ntp.h
	switch x {
	case 0:
		return "normal"
	case 1:
		return "insert second"
	case 2:
		return "delete second"
	case 3:
		return "unsynchronized"
	default:
		return fmt.Sprintf("invalid (%v)", x)
	}
}

func formatRefID(x uint32) string {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, x)
	return refID(ip)
}

// refID turns a reference ID into something readable.  Reference clocks use an ASCII name packed
// into the address ("GPS", "PPS"); everything else is an IP address.
func refID(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		last := len(v4)
		for i, b := range v4 {
			if b == 0 && i > 0 {
				last = i
				break
			}
			if b < '0' || b > 'z' {
				last = 0
				break
			}
		}
		if last > 0 {
			return string(v4[0:last])
		}
	}
	return ip.String()
}
