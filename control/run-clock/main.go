package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jrockway/voltmeter-clock/control/chrony"
	"github.com/jrockway/voltmeter-clock/control/clock"
	"github.com/jrockway/voltmeter-clock/control/config"
	"github.com/jrockway/voltmeter-clock/control/meter"
	"github.com/jrockway/voltmeter-clock/control/preview"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/trace"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

func main() {
	cfg, err := config.Parse(os.Args[0], os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("configure: %v", err)
	}
	freq, err := cfg.PWMFrequency()
	if err != nil {
		log.Fatalf("configure: %v", err)
	}

	if _, err := host.Init(); err != nil {
		log.Fatalf("init periph.io: %v", err)
	}

	opener := &meter.Opener{Frequency: freq}
	var bus i2c.BusCloser
	if meter.UsesExpander(cfg.Seconds, cfg.Minutes, cfg.Hours) {
		if bus, err = i2creg.Open(cfg.I2CBus); err != nil {
			log.Fatalf("open i2c bus %q: %v", cfg.I2CBus, err)
		}
		if opener.Expander, err = meter.OpenPCA9685(bus, cfg.PCA9685Addr, freq); err != nil {
			log.Fatalf("init expander: %v", err)
		}
	}

	face := preview.New()
	var hands []clock.Channel
	for i, name := range []string{cfg.Seconds, cfg.Minutes, cfg.Hours} {
		hand := preview.Hand(i)
		ch, err := opener.Open(name)
		if err != nil {
			log.Fatalf("open %s meter: %v", hand, err)
		}
		hands = append(hands, face.Tap(hand, ch))
	}
	cl := clock.New(hands[0], hands[1], hands[2])

	ctx, cancel := context.WithCancel(context.Background())

	// /debug/requests and /debug/events are registered by the trace package.
	events := trace.NewEventLog("service", "run-clock")
	http.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/display.png", http.StatusFound)
	})
	http.Handle("/display.png", face)
	http.Handle("/metrics", promhttp.Handler())

	httpDoneCh := make(chan error, 1)
	httpServer := http.Server{Addr: cfg.Bind}
	go func() {
		log.Printf("http server listening on %s", httpServer.Addr)
		httpDoneCh <- httpServer.ListenAndServe()
		close(httpDoneCh)
	}()

	if cfg.Chrony != "" {
		go chrony.Monitor(ctx, cfg.Chrony, 30*time.Second)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	loopDoneCh := make(chan error, 1)
	go func() {
		loopDoneCh <- cl.Run(ctx, cfg.Period)
		close(loopDoneCh)
	}()
	log.Printf("clock running: seconds=%s minutes=%s hours=%s period=%v", cfg.Seconds, cfg.Minutes, cfg.Hours, cfg.Period)
	events.Printf("clock running with period %v", cfg.Period)

	code := 1
	httpAlive, loopAlive := true, true
	select {
	case err := <-httpDoneCh:
		log.Printf("http server died: %v", err)
		httpAlive = false
	case err := <-loopDoneCh:
		log.Printf("clock loop died: %v", err)
		loopAlive = false
	case <-sigCh:
		log.Printf("interrupt")
		code = 0
	}
	signal.Stop(sigCh)
	cancel()
	if loopAlive {
		// Run zeroes the hands on the way out, so someone looking at the clock can tell that
		// it stopped on purpose.
		select {
		case err := <-loopDoneCh:
			events.Printf("clock loop exited: %v", err)
		case <-time.After(time.Second):
			log.Printf("timeout waiting for clock loop to stop")
			code = 1
		}
	}
	if httpAlive {
		tctx, c := context.WithTimeout(context.Background(), time.Second)
		httpServer.Shutdown(tctx)
		c()
	}
	if bus != nil {
		bus.Close()
	}
	events.Finish()
	os.Exit(code)
}
