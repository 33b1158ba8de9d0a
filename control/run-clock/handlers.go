package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/jrockway/nixie-clock/arbiter"
	"github.com/jrockway/nixie-clock/control/clock"
	"github.com/rs/zerolog/log"
)

type manualSetter interface {
	SetManual(ctx context.Context, m arbiter.Manual) (arbiter.Outcome, error)
}

type status struct {
	Time    arbiter.Status `json:"time"`
	Display clock.Status   `json:"display"`
	Sensor  string         `json:"sensor,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encoding json response")
	}
}

// statusHandler serves the arbiter and display state as JSON.
func statusHandler(arb func() arbiter.Status, display func() clock.Status, aux func() (string, bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		s := status{Time: arb(), Display: display()}
		if aux != nil {
			s.Sensor, _ = aux()
		}
		writeJSON(w, http.StatusOK, s)
	}
}

type timeReply struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	RTCError string `json:"rtc_error,omitempty"`
}

// timeHandler accepts a manually entered local time as form fields year, month, day, hour, and
// minute.
func timeHandler(s manualSetter) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.Header().Set("allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := req.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		m := arbiter.Manual{
			Year:   req.PostForm.Get("year"),
			Month:  req.PostForm.Get("month"),
			Day:    req.PostForm.Get("day"),
			Hour:   req.PostForm.Get("hour"),
			Minute: req.PostForm.Get("minute"),
		}
		out, err := s.SetManual(req.Context(), m)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		reply := timeReply{Accepted: out.Accepted}
		if out.Reason != nil {
			reply.Reason = out.Reason.Error()
		}
		if out.WriteBack != nil {
			reply.RTCError = out.WriteBack.Error()
		}
		code := http.StatusOK
		if !out.Accepted {
			code = http.StatusUnprocessableEntity
		}
		writeJSON(w, code, reply)
	}
}
