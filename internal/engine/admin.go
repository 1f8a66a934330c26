package engine

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"

	"github.com/banshee-data/cmdtlm/internal/codec"
	"github.com/banshee-data/cmdtlm/internal/command"
	"github.com/banshee-data/cmdtlm/internal/extract"
	"github.com/banshee-data/cmdtlm/internal/httputil"
	"github.com/banshee-data/cmdtlm/internal/iface"
	"github.com/banshee-data/cmdtlm/internal/packet"
	"github.com/banshee-data/cmdtlm/internal/store"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

// AttachAdminRoutes mounts the operator pages and JSON endpoints on the
// tsweb debug page of mux.
func (e *Engine) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("send-command", "send a command and tail telemetry", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendCommandTemplate.Execute(buf, struct{ Topics []string }{e.topics()}); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		text := strings.TrimSpace(r.FormValue("command"))
		if text == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		sent, err := e.SendText(r.Context(), text)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote %s %s (%d bytes) to %s", sent.Target, sent.Command, len(sent.Data), sent.Interface))
	})

	debug.HandleSilentFunc("tail", e.serveTail)

	debug.HandleSilentFunc("tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")
		f, err := adminTemplateFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})

	debug.HandleFunc("tlm", "current value of ?item=TGT+PKT+ITEM", func(w http.ResponseWriter, r *http.Request) {
		s, err := e.Tlm(r.Context(), r.FormValue("item"))
		if err != nil {
			httputil.WriteJSONError(w, statusFor(err), err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, storedJSON(s))
	})

	debug.HandleSilentFunc("set-tlm", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		if err := e.SetTlm(r.Context(), r.FormValue("item")); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		io.WriteString(w, "OK")
	})

	debug.HandleSilentFunc("check", func(w http.ResponseWriter, r *http.Request) {
		s, comparison, err := e.Check(r.Context(), r.FormValue("item"))
		if err != nil {
			httputil.WriteJSONError(w, statusFor(err), err.Error())
			return
		}
		out := storedJSON(s)
		out["comparison"] = comparison
		httputil.WriteJSON(w, http.StatusOK, out)
	})

	debug.HandleFunc("limits", "limits state of every monitored item", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if set := strings.TrimSpace(r.FormValue("set")); set != "" {
				e.limits.SetActiveSet(strings.ToUpper(set))
			}
		}
		type itemState struct {
			Target string `json:"target"`
			Packet string `json:"packet"`
			Item   string `json:"item"`
			State  string `json:"state"`
		}
		states := e.limits.States()
		items := make([]itemState, len(states))
		for i, s := range states {
			items[i] = itemState{s.Target, s.Packet, s.Item, s.State.String()}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"active_set": e.limits.ActiveSet(), "items": items})
	})

	debug.HandleFunc("interfaces", "interface connection state and counters", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, e.Status())
	})
}

func (e *Engine) topics() []string {
	var out []string
	for _, target := range e.catalog.Targets() {
		for _, pkt := range e.catalog.Packets(target, packet.Telemetry) {
			out = append(out, store.TelemetryTopic(pkt.TargetName, pkt.PacketName))
		}
	}
	return out
}

// serveTail streams published packets of ?topic= (all when absent) as
// server-sent events.
func (e *Engine) serveTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	topic := r.FormValue("topic")
	if topic == "" {
		topic = store.TopicAll
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, c := e.bus.Subscribe(topic, 16)
	defer e.bus.Unsubscribe(id)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case msg, ok := <-c:
			if !ok {
				return
			}
			payload, err := json.Marshal(map[string]any{"topic": msg.Topic, "values": msg.Payload})
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func storedJSON(s store.Stored) map[string]any {
	return map[string]any{
		"target":         s.Target,
		"packet":         s.Packet,
		"item":           s.Item,
		"raw":            s.Raw,
		"converted":      s.Converted,
		"limits_state":   s.State.String(),
		"received_count": s.ReceivedCount,
		"updated_at":     s.UpdatedAt,
	}
}

func statusFor(err error) int {
	var extractErr *extract.Error
	var encodeErr *codec.EncodeError
	switch {
	case errors.As(err, &extractErr), errors.As(err, &encodeErr),
		errors.Is(err, command.ErrMissingRequired),
		errors.Is(err, command.ErrUnknownParam),
		errors.Is(err, command.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, packet.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNoInterface), errors.Is(err, iface.ErrNotConnected), errors.Is(err, ErrNoStore):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
