package watcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tarancss/wam/lib/endpoint"
)

// Errors returned to client requests.
var (
	ErrBadRequest = errors.New("bad request")
	ErrMissingNet = errors.New("undefined network - missing query: ?net=<network>")
	ErrMissingURL = errors.New("undefined endpoint - missing query: ?url=<endpoint>")
	ErrNoAddr     = errors.New("undefined address - missing in uri")
)

// Response defines the data structure returned to the client making the http request.
type Response struct {
	Body  string `json:"body"`
	Error string `json:"error,omitempty"`
}

// reply encodes the handler result in the JSON envelope all endpoints share.
func (w *Watcher) reply(rw http.ResponseWriter, r *http.Request, body interface{}, err error) {
	var res Response
	if err != nil {
		res.Error = fmt.Sprintf("%s", err)
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		rw.WriteHeader(http.StatusBadRequest)
	} else {
		if body != nil {
			tmp, _ := json.Marshal(body)
			res.Body = string(tmp)
		}
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		rw.WriteHeader(http.StatusOK)
	}
	w.log.Infow("httpreq", "from", r.RemoteAddr, "uri", r.RequestURI, "err", err)
	_ = json.NewEncoder(rw).Encode(&res)
}

// homeHandler just replies a welcome message to the client.
func (w *Watcher) homeHandler(rw http.ResponseWriter, r *http.Request) {
	w.reply(rw, r, "Hello, this is your wallet activity monitor!", nil)
}

// networksHandler replies the networks being monitored.
func (w *Watcher) networksHandler(rw http.ResponseWriter, r *http.Request) {
	w.reply(rw, r, w.Networks(), nil)
}

// healthHandler replies the endpoint health snapshot. With ?net= it replies a
// single network, otherwise all of them.
func (w *Watcher) healthHandler(rw http.ResponseWriter, r *http.Request) {
	net := r.URL.Query().Get("net")
	if net != "" {
		h, err := w.Health(net)
		w.reply(rw, r, h, err)
		return
	}
	all := make(map[string][]endpoint.Health, len(w.nets))
	for _, name := range w.Networks() {
		h, _ := w.Health(name)
		all[name] = h
	}
	w.reply(rw, r, all, nil)
}

// addrBalance struct used to reply balances of wallets.
type addrBalance struct {
	Net string `json:"net"`
	Bal string `json:"bal"`
}

// addrBalHandler replies the balance of the wallet requested. The fetch goes
// through the request scheduler like any other chain read.
func (w *Watcher) addrBalHandler(rw http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if address == "" {
		w.reply(rw, r, nil, ErrNoAddr)
		return
	}
	net := r.URL.Query().Get("net")
	if net == "" {
		w.reply(rw, r, nil, ErrMissingNet)
		return
	}

	bal, err := w.Balance(r.Context(), net, address)
	if err != nil {
		w.reply(rw, r, nil, err)
		return
	}
	w.reply(rw, r, addrBalance{Net: net, Bal: bal.String()}, nil)
}

// watchedHandler replies the watched wallets.
func (w *Watcher) watchedHandler(rw http.ResponseWriter, r *http.Request) {
	w.reply(rw, r, w.Watched(), nil)
}

// watchHandler adds a wallet to the poll list.
func (w *Watcher) watchHandler(rw http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	net := r.URL.Query().Get("net")
	if net == "" {
		w.reply(rw, r, nil, ErrMissingNet)
		return
	}
	w.reply(rw, r, "watching "+address, w.Watch(net, address))
}

// unwatchHandler removes a wallet from the poll list.
func (w *Watcher) unwatchHandler(rw http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	net := r.URL.Query().Get("net")
	if net == "" {
		w.reply(rw, r, nil, ErrMissingNet)
		return
	}
	w.reply(rw, r, "unwatched "+address, w.Unwatch(net, address))
}

// endpointReq is the body of endpoint management requests.
type endpointReq struct {
	Net string `json:"net"`
	URL string `json:"url"`
}

func decodeEndpointReq(r *http.Request) (endpointReq, error) {
	var req endpointReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, ErrBadRequest
	}
	if req.Net == "" {
		return req, ErrMissingNet
	}
	if req.URL == "" {
		return req, ErrMissingURL
	}
	return req, nil
}

// addEndpointHandler dials and adds an endpoint to a network pool.
func (w *Watcher) addEndpointHandler(rw http.ResponseWriter, r *http.Request) {
	req, err := decodeEndpointReq(r)
	if err != nil {
		w.reply(rw, r, nil, err)
		return
	}
	w.reply(rw, r, "added "+req.URL, w.AddEndpoint(req.Net, req.URL))
}

// removeEndpointHandler drops an endpoint from a network pool.
func (w *Watcher) removeEndpointHandler(rw http.ResponseWriter, r *http.Request) {
	req, err := decodeEndpointReq(r)
	if err != nil {
		w.reply(rw, r, nil, err)
		return
	}
	w.reply(rw, r, "removed "+req.URL, w.RemoveEndpoint(req.Net, req.URL))
}
