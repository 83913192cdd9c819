package watcher

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

const timeout = 15

// Init sets up and starts the http/https server to service the RESTful API of
// the monitor. If sslPort, sslCert and sslKey are informed, it will start an
// https (TLS) server on the specified endpoint.
func (w *Watcher) Init(endpoint, port, sslPort, sslCert, sslKey string) string {
	var err, errTLS error

	// API definition
	r := mux.NewRouter()
	r.HandleFunc("/", w.homeHandler)
	r.HandleFunc("/networks", w.networksHandler).Methods("GET")           // get monitored networks
	r.HandleFunc("/health", w.healthHandler).Methods("GET")               // get endpoint health per network
	r.HandleFunc("/address/{address}", w.addrBalHandler).Methods("GET")   // get wallet balance
	r.HandleFunc("/watch", w.watchedHandler).Methods("GET")               // get watched wallets
	r.HandleFunc("/watch/{address}", w.watchHandler).Methods("PUT")       // watch a wallet
	r.HandleFunc("/watch/{address}", w.unwatchHandler).Methods("DELETE")  // unwatch a wallet
	r.HandleFunc("/endpoints", w.addEndpointHandler).Methods("POST")      // add an endpoint to a network pool
	r.HandleFunc("/endpoints", w.removeEndpointHandler).Methods("DELETE") // remove an endpoint from a network pool
	http.Handle("/", r)

	// setup shutdown channel
	w.sc = make(chan struct{})

	// start http server
	if port != "" {
		w.s = &http.Server{
			Handler:      r,
			Addr:         endpoint + ":" + port,
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			err = w.s.ListenAndServe()
		}()

		w.log.Infow("listening to API http requests", "addr", endpoint+":"+port)
	}
	// start https server
	if sslPort != "" && sslCert != "" && sslKey != "" {
		w.ss = &http.Server{
			Handler:      r,
			Addr:         endpoint + ":" + sslPort,
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			errTLS = w.ss.ListenAndServeTLS(sslCert, sslKey)
		}()

		w.log.Infow("listening to API https requests", "addr", endpoint+":"+sslPort)
	}
	// wait for servers to be shutdown
	<-w.sc

	return fmt.Sprintf("shutdown http server:%e, https server:%e", err, errTLS)
}

// StopServers shuts down the http servers implementing the RESTful API.
func (w *Watcher) StopServers() {
	if w.s != nil {
		if err := w.s.Shutdown(context.Background()); err != nil {
			w.log.Warnw("error in http server shutdown", "err", err)
		}
	}
	if w.ss != nil {
		if err := w.ss.Shutdown(context.Background()); err != nil {
			w.log.Warnw("error in https server shutdown", "err", err)
		}
	}
	if w.sc != nil {
		close(w.sc) // indicate shutdowns have finished
	}
}
