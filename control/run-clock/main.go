package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jrockway/nixie-clock/antipoison"
	"github.com/jrockway/nixie-clock/arbiter"
	"github.com/jrockway/nixie-clock/bq32000"
	"github.com/jrockway/nixie-clock/config"
	"github.com/jrockway/nixie-clock/control/clock"
	"github.com/jrockway/nixie-clock/control/screen"
	"github.com/jrockway/nixie-clock/edge"
	"github.com/jrockway/nixie-clock/nixie"
	"github.com/jrockway/nixie-clock/ntpsync"
	"github.com/jrockway/nixie-clock/sensor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

var (
	configFile = flag.String("config", "", "path to a TOML config file; built-in defaults are used if empty")
	bind       = flag.String("bind", "", "address to bind for debug/metrics server; overrides the config file")
)

// configureRTC applies the boot-time settings.  Failures are logged; the clock still runs from
// the network or manual entry without a working RTC.
func configureRTC(rtc *bq32000.Dev, cfg config.RTC) {
	if err := rtc.SetTrickleCharger(cfg.Charger); err != nil {
		log.Warn().Err(err).Stringer("mode", cfg.Charger).Msg("configure trickle charger")
	}
	if err := rtc.SetCalibration(cfg.Calibration); err != nil {
		log.Warn().Err(err).Int("calibration", cfg.Calibration).Msg("configure calibration")
	}
	level := bq32000.Low
	if cfg.ActiveHigh {
		level = bq32000.High
	}
	if err := rtc.SetInterruptActiveLevel(level); err != nil {
		log.Warn().Err(err).Msg("configure interrupt level")
	}
	if err := rtc.SetInterruptMode(bq32000.IRQ1Hz); err != nil {
		log.Warn().Err(err).Msg("enable 1Hz interrupt")
	}
	running, err := rtc.Running()
	if err != nil {
		log.Warn().Err(err).Msg("rtc not responding")
		return
	}
	log.Info().Bool("running", running).Msg("rtc configured")
}

func watch(ctx context.Context, name, pin string) *edge.Watcher {
	p, err := edge.Open(pin, gpio.PullUp, gpio.FallingEdge)
	if err != nil {
		log.Fatal().Err(err).Str("pin", pin).Msgf("open %s pin", name)
	}
	w := edge.New(name, p)
	go func() {
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("pin", pin).Msg("edge watcher died")
		}
	}()
	return w
}

func main() {
	flag.Parse()
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Str("app", "run-clock").Logger()

	cfg := config.Default()
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		if err != nil {
			log.Fatal().Err(err).Msg("load config")
		}
	}
	if *bind != "" {
		cfg.Debug.Bind = *bind
	}

	if _, err := host.Init(); err != nil {
		log.Fatal().Err(err).Msg("init periph.io")
	}

	bus, err := i2creg.Open(cfg.RTC.Bus)
	if err != nil {
		log.Fatal().Err(err).Str("bus", cfg.RTC.Bus).Msg("open i2c bus")
	}
	defer bus.Close()
	rtc := bq32000.New(bus, nil)
	configureRTC(rtc, cfg.RTC)

	spiPort, err := spireg.Open(cfg.Display.SPI)
	if err != nil {
		log.Fatal().Err(err).Str("port", cfg.Display.SPI).Msg("open spi port")
	}
	defer spiPort.Close()
	tubes, err := nixie.NewSPI(spiPort)
	if err != nil {
		log.Fatal().Err(err).Msg("init tubes")
	}
	display := screen.New(tubes)
	display.Blank()

	arb := arbiter.New(arbiter.Config{
		Strategy:              cfg.Sync.Strategy,
		Accept:                cfg.Sync.Accept,
		Policy:                cfg.Timezone.Policy,
		ResumeSyncAfterManual: cfg.Sync.ResumeAfterManual,
		RTC:                   rtc,
	})
	defer arb.Close()
	if out := arb.Boot(rtc); out.Accepted {
		log.Info().Str("local", arb.State().Local).Msg("time from rtc")
	} else {
		log.Warn().Err(out.Reason).Msg("no time from rtc")
	}

	ctx, cancel := context.WithCancel(context.Background())

	ap := antipoison.New()
	ap.Step = cfg.Display.AntiPoisonStep
	opts := clock.Options{
		Arbiter:       arb,
		Display:       display,
		AntiPoison:    ap,
		StartupLaps:   cfg.Display.StartupLaps,
		Hour12:        cfg.Display.Hour12,
		ScrollCadence: cfg.Display.ScrollCadence,
		ErrorHold:     cfg.Display.ErrorHold,
	}
	if cfg.RTC.IRQPin != "" {
		opts.IRQ = watch(ctx, "rtc", cfg.RTC.IRQPin)
		opts.Interrupts = rtc
	}
	if cfg.Display.ButtonPin != "" {
		opts.Button = watch(ctx, "button", cfg.Display.ButtonPin)
	}

	var chronyd tracker
	if arb.Accepts(arbiter.NetworkSync) {
		proposals := make(chan arbiter.Proposal)
		opts.Proposals = proposals
		opts.StartupTimeout = cfg.Sync.Timeout + time.Second
		provider := cfg.Sync.NewProvider()
		if c, ok := provider.(*ntpsync.Chrony); ok {
			chronyd = c
		}
		syncer := &ntpsync.Syncer{
			Provider:  provider,
			Resolver:  cfg.NewResolver(&http.Client{Timeout: cfg.Sync.Timeout}),
			Hint:      cfg.Timezone.Location,
			Timeout:   cfg.Sync.Timeout,
			Interval:  cfg.Sync.Interval,
			Suspended: arb.SyncSuspended,
			Name:      cfg.Sync.Server,
		}
		go func() {
			if err := syncer.Run(ctx, proposals); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("network time sync died")
			}
		}()
	}

	var aux func() (string, bool)
	if cfg.Sensor.Enabled {
		sensorBus := i2c.Bus(bus)
		if cfg.Sensor.Bus != cfg.RTC.Bus {
			b, err := i2creg.Open(cfg.Sensor.Bus)
			if err != nil {
				log.Fatal().Err(err).Str("bus", cfg.Sensor.Bus).Msg("open sensor i2c bus")
			}
			defer b.Close()
			sensorBus = b
		}
		dev, err := sensor.Open(sensorBus, cfg.Sensor.Addr)
		if err != nil {
			log.Error().Err(err).Msg("sensor unavailable; auxiliary readout disabled")
		} else {
			defer dev.Halt()
			reader := &sensor.Reader{Sensor: dev, Quantity: cfg.Sensor.Quantity, Interval: cfg.Sensor.Interval}
			go reader.Run(ctx)
			aux = reader.Value
			opts.Aux = aux
		}
	}

	cl := clock.New(opts)

	http.Handle("/", indexHandler(arb.State, cl.Status, display.Last, aux, chronyd))
	http.Handle("/display.png", display)
	http.Handle("/metrics", promhttp.Handler())
	http.Handle("/status", statusHandler(arb.State, cl.Status, aux))
	http.Handle("/time", timeHandler(cl))

	httpDoneCh := make(chan error)
	httpServer := http.Server{Addr: cfg.Debug.Bind}
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		err := httpServer.ListenAndServe()
		select {
		case httpDoneCh <- err:
		case <-ctx.Done():
		}
		close(httpDoneCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	loopDoneCh := make(chan error)
	go func() {
		err := cl.Run(ctx)
		select {
		case loopDoneCh <- err:
		case <-ctx.Done():
		}
		close(loopDoneCh)
	}()

	httpAlive := true
	select {
	case err := <-httpDoneCh:
		log.Error().Err(err).Msg("http server died")
		httpAlive = false
	case err := <-loopDoneCh:
		log.Error().Err(err).Msg("clock loop died")
	case <-sigCh:
		log.Info().Msg("interrupt")
	}
	signal.Stop(sigCh)
	cancel()
	display.Blank()
	if httpAlive {
		tctx, c := context.WithTimeout(context.Background(), time.Second)
		httpServer.Shutdown(tctx)
		c()
	}
	os.Exit(1)
}
