// Package main: wallet activity monitor service.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tarancss/wam/lib/config"
	"github.com/tarancss/wam/lib/msg"
	"github.com/tarancss/wam/lib/msg/amqp"
	"github.com/tarancss/wam/watcher"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json file")
	monitor := flag.Bool("m", false, "flag to monitor the server with Prometheus at http://localhost:9100")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck // stderr flush on exit
	log := logger.Sugar()

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		log.Fatalw("error reading configuration", "err", err)
	}
	log.Infow("configuration loaded", "networks", len(conf.Networks), "watched", len(conf.Watch))

	// load Prometheus monitor
	if *monitor {
		go func() {
			log.Info("serving metrics API")

			h := http.NewServeMux()
			h.Handle("/metrics", promhttp.Handler())
			_ = http.ListenAndServe(":9100", h)
		}()
	}

	// load message broker
	var mb msg.Notifier

	switch conf.MbType {
	case "amqp":
		if mb, err = amqp.New(conf.MbConn, logger); err != nil {
			time.Sleep(10 * time.Second) // wait 10s for AMQP to be ready and try to reconnect

			if mb, err = amqp.New(conf.MbConn, logger); err != nil {
				log.Fatalw("error connecting to message broker", "err", err)
			}
		}

		if err = mb.Setup(nil); err != nil {
			log.Fatalw("error setting up message broker", "err", err)
		}
	case "":
		log.Info("no message broker configured, alerts stay in-process")
	default:
		log.Fatalw("unknown message broker type", "mbtype", conf.MbType)
	}

	// create the monitor service
	w, err := watcher.New(conf, mb, log)
	if err != nil {
		log.Fatalw("error building watcher", "err", err)
	}

	if err = w.Start(); err != nil {
		log.Fatalw("error starting watcher", "err", err)
	}

	// capture CTRL+C or docker's SIGTERM for gracious exit
	finish := make(chan int)

	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Info("program killed !")
		// do last actions and wait for all write operations to end
		w.StopServers()
		w.Stop()
		close(finish)
	}()

	// init RESTful API, wait for its return and log response
	log.Infof("watcher: %s", w.Init("", conf.Port, conf.SSLPort, conf.SSLCert, conf.SSLKey))

	<-finish
}
