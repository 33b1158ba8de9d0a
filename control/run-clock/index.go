package main

import (
	"bytes"
	_ "embed"
	"encoding/base64"
	"fmt"
	"html/template"
	"image/png"
	"net/http"
	"time"

	"github.com/facebookincubator/ntp/protocol/chrony"
	"github.com/jrockway/nixie-clock/arbiter"
	"github.com/jrockway/nixie-clock/control/clock"
	"github.com/jrockway/nixie-clock/control/screen"
	"github.com/jrockway/nixie-clock/nixie"
	"github.com/jrockway/nixie-clock/ntpsync"
	"github.com/rs/zerolog/log"
)

var (
	//go:embed index.html.tmpl
	indexHTML string
	funcMap   = template.FuncMap{
		"refid":      ntpsync.RefID,
		"duration":   formatDuration,
		"leap":       formatLeap,
		"correction": formatCorrection,
		"freq":       formatFreq,
		"image":      formatImage,
	}
	index = template.Must(template.New("index").Funcs(funcMap).Parse(indexHTML))
)

type tracker interface {
	Tracking() (chrony.Tracking, time.Time)
}

type indexPage struct {
	Time       arbiter.Status
	Display    clock.Status
	Frame      nixie.Frame
	Sensor     string
	Tracking   *chrony.Tracking
	TrackingAt time.Time
}

// indexHandler serves a human-readable status page.  chronyd is nil unless the clock syncs from
// chronyd.
func indexHandler(arb func() arbiter.Status, display func() clock.Status, frame func() nixie.Frame, aux func() (string, bool), chronyd tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/" {
			http.NotFound(w, req)
			return
		}
		page := indexPage{Time: arb(), Display: display(), Frame: frame()}
		if aux != nil {
			page.Sensor, _ = aux()
		}
		if chronyd != nil {
			if t, at := chronyd.Tracking(); !at.IsZero() {
				page.Tracking, page.TrackingAt = &t, at
			}
		}
		w.Header().Set("content-type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if err := index.Execute(w, page); err != nil {
			log.Error().Err(err).Msg("execute index template")
		}
	}
}

func formatDuration(x float64) string {
	return time.Duration(x * 1e9).String()
}

func formatLeap(x uint16) string {
	// From chrony/ntp.h
	switch x {
	case 0:
		return "Normal"
	case 1:
		return "Insert second"
	case 2:
		return "Delete second"
	case 3:
		return "Unsynchronized"
	default:
		return fmt.Sprintf("Invalid (%v)", x)
	}
}

func formatCorrection(x float64) string {
	fast := "slow"
	if x < 0 {
		x = -x
		fast = "fast"
	}
	return fmt.Sprintf("%s %s of NTP time", time.Duration(x*1e9).String(), fast)
}

func formatFreq(x float64) string {
	fast := "fast"
	if x < 0 {
		x = -x
		fast = "slow"
	}
	return fmt.Sprintf("%.3f ppm %s", x, fast)
}

func formatImage(f nixie.Frame) template.URL {
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, screen.Preview(f)); err != nil {
		log.Error().Err(err).Msg("encoding preview image")
		return template.URL("data:text/plain,error")
	}
	return template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()))
}
