package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/drpcorg/docswarm"
	"github.com/drpcorg/docswarm/crdt"
	"github.com/drpcorg/docswarm/docswarm_errors"
	"github.com/drpcorg/docswarm/network"
	"github.com/drpcorg/docswarm/utils"
	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// connector is what the API needs from network.Net.
type connector interface {
	Connect(addr string) error
	Peers() []string
}

type api struct {
	eng *docswarm.Engine
	net connector
	reg prometheus.Gatherer
	log utils.Logger
}

func newAPI(n *node) *api {
	return &api{eng: n.eng, net: n.net, reg: n.reg, log: n.log}
}

func (a *api) router() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/docs", a.listDocs).Methods(http.MethodGet)
	r.HandleFunc("/docs", a.createDoc).Methods(http.MethodPost)
	r.HandleFunc("/docs/{id}", a.getDoc).Methods(http.MethodGet)
	r.HandleFunc("/docs/{id}", a.openDoc).Methods(http.MethodPut)
	r.HandleFunc("/docs/{id}", a.deleteDoc).Methods(http.MethodDelete)
	r.HandleFunc("/docs/{id}/status", a.docStatus).Methods(http.MethodGet)
	r.HandleFunc("/docs/{id}/changes", a.changeDoc).Methods(http.MethodPost)
	r.HandleFunc("/docs/{id}/fork", a.forkDoc).Methods(http.MethodPost)
	r.HandleFunc("/docs/{id}/merge/{src}", a.mergeDoc).Methods(http.MethodPost)
	r.HandleFunc("/actors/{id}/messages", a.sendMessage).Methods(http.MethodPost)
	r.HandleFunc("/peers", a.listPeers).Methods(http.MethodGet)
	r.HandleFunc("/peers", a.connectPeer).Methods(http.MethodPost)
	r.Use(a.accessLog)
	return r
}

func (a *api) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		a.log.Debug("http request",
			"method", r.Method,
			"url", r.URL.String(),
			"status", m.Code,
			"bytes", m.Written,
			"duration", m.Duration.Round(time.Microsecond),
		)
	})
}

type docView struct {
	ID  string    `json:"id"`
	Doc *crdt.Doc `json:"doc"`
}

type changeRequest struct {
	Set     map[string]json.RawMessage `json:"set"`
	Del     []string                   `json:"del"`
	Message string                     `json:"message"`
}

func (a *api) listDocs(w http.ResponseWriter, r *http.Request) {
	out := []docswarm.DocStatus{}
	for _, id := range a.eng.Docs() {
		st, err := a.eng.Status(id)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) createDoc(w http.ResponseWriter, r *http.Request) {
	var meta map[string]any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
			writeError(w, errBadRequest(err))
			return
		}
	}
	d, err := a.eng.Create(r.Context(), meta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, docView{ID: d.Actor(), Doc: d})
}

func (a *api) getDoc(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, err := a.eng.Find(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, docView{ID: id, Doc: d})
}

func (a *api) openDoc(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.eng.OpenDocument(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) deleteDoc(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) docStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.eng.Status(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) changeDoc(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req changeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errBadRequest(err))
		return
	}
	d, err := a.eng.Change(r.Context(), id, req.Message, func(m *crdt.Map) error {
		keys := make([]string, 0, len(req.Set))
		for k := range req.Set {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if err := m.Set(k, req.Set[k]); err != nil {
				return errBadRequest(err)
			}
		}
		for _, k := range req.Del {
			m.Delete(k)
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, docView{ID: id, Doc: d})
}

func (a *api) forkDoc(w http.ResponseWriter, r *http.Request) {
	d, err := a.eng.Fork(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, docView{ID: d.Actor(), Doc: d})
}

func (a *api) mergeDoc(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	d, err := a.eng.Merge(r.Context(), vars["id"], vars["src"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, docView{ID: vars["id"], Doc: d})
}

func (a *api) sendMessage(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, errBadRequest(err))
		return
	}
	if err := a.eng.Message(r.Context(), mux.Vars(r)["id"], payload); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) listPeers(w http.ResponseWriter, r *http.Request) {
	peers := []string{}
	if a.net != nil {
		peers = append(peers, a.net.Peers()...)
	}
	writeJSON(w, http.StatusOK, peers)
}

func (a *api) connectPeer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Addr string `json:"addr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errBadRequest(err))
		return
	}
	if a.net == nil {
		writeError(w, errors.New("networking is off"))
		return
	}
	if err := a.net.Connect(req.Addr); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type badRequest struct{ err error }

func (e badRequest) Error() string { return e.err.Error() }
func (e badRequest) Unwrap() error { return e.err }

func errBadRequest(err error) error { return badRequest{err} }

func statusOf(err error) int {
	var br badRequest
	switch {
	case errors.As(err, &br),
		errors.Is(err, docswarm_errors.ErrBadKey),
		errors.Is(err, docswarm_errors.ErrBadMetadata),
		errors.Is(err, crdt.ErrBadChange),
		errors.Is(err, network.ErrAddressInvalid):
		return http.StatusBadRequest
	case errors.Is(err, docswarm_errors.ErrDocUnknown),
		errors.Is(err, docswarm_errors.ErrActorUnknown):
		return http.StatusNotFound
	case errors.Is(err, docswarm_errors.ErrNotWritable):
		return http.StatusForbidden
	case errors.Is(err, docswarm_errors.ErrDocNotLoaded),
		errors.Is(err, network.ErrAddressDuplicated):
		return http.StatusConflict
	case errors.Is(err, docswarm_errors.ErrNotReady),
		errors.Is(err, docswarm_errors.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
