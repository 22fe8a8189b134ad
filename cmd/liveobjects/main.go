package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/drpcorg/liveobjects/channel"
	"github.com/drpcorg/liveobjects/protocol"
	"github.com/drpcorg/liveobjects/repl"
	"github.com/drpcorg/liveobjects/store"
	"github.com/drpcorg/liveobjects/utils"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	opts, err := ParseOptions(os.Args[1:])
	if err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			_, _ = fmt.Fprintln(os.Stdout, err.Error())
			os.Exit(0)
		}
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(opts *Options) error {
	log := utils.NewDefaultLogger(utils.ParseLevel(opts.LogLevel))
	format, err := protocol.ParseFormat(opts.Format)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()

	var st *store.Store
	if opts.DB != "" {
		st, err = store.Open(opts.DB, store.Options{Logger: log})
		if err != nil {
			return err
		}
		defer st.Close()
		reg.MustRegister(st.Collector())
	}

	ch := channel.New(opts.Channel, log,
		&channel.FormatOpt{Format: format},
		&channel.PageSizeOpt{PageSize: opts.PageSize},
		&channel.SiteCodeOpt{SiteCode: opts.Site},
	)
	reg.MustRegister(ch.Authority().Collector())

	if opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(opts.MetricsAddr, mux); err != nil {
				log.Error("metrics server stopped", "addr", opts.MetricsAddr, "err", err)
			}
		}()
	}

	r := repl.New(ch, st)
	if err := r.Open(opts.History); err != nil {
		return err
	}
	defer r.Close()
	return r.Run()
}
