package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/maeshinshin/nbns"
	"github.com/maeshinshin/nbns/httpapi"
)

var (
	debug      = flag.Bool("debug", false, "Enable debug mode")
	configPath = flag.String("config", "", "Path to a YAML configuration file")
	bind       = flag.String("bind", "", "Local address to bind, overrides the config file")
	wins       = flag.String("wins", "", "Primary WINS server, overrides the config file")
	serverName = flag.String("name", "", "NetBIOS server name, defaults to the host name")
	domain     = flag.String("domain", "", "Domain or workgroup name to register as a group name")
	httpAddr   = flag.String("http", "", "Listen address of the admin API, e.g. 127.0.0.1:8137")
)

func main() {
	flag.Parse()

	if *debug {
		nbns.SetDebug()
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "nbns:", err)
		os.Exit(1)
	}
}

func run() error {
	var fc fileConfig
	if *configPath != "" {
		var err error
		if fc, err = loadConfig(*configPath); err != nil {
			return err
		}
	}
	applyFlags(&fc)

	cfg, err := fc.nbnsConfig()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	s, err := nbns.NewServer(cfg, nbns.WithRegisterer(reg))
	if err != nil {
		return err
	}
	if err := s.Start(context.Background()); err != nil {
		return err
	}

	if err := registerHostNames(s, cfg, fc); err != nil {
		shutdown(s, cfg)
		return err
	}

	var srv *http.Server
	if fc.HTTP != "" {
		srv = &http.Server{
			Addr:              fc.HTTP,
			Handler:           httpapi.NewRouter(s, httpapi.Options{AdminKey: fc.AdminKey, Gatherer: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintln(os.Stderr, "admin API stopped:", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println("NetBIOS name server running. Press Ctrl+C to exit.")
	select {
	case <-sig:
	case <-waitDone(s):
	}

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return shutdown(s, cfg)
}

func applyFlags(fc *fileConfig) {
	if *bind != "" {
		fc.Bind = *bind
	}
	if *wins != "" {
		fc.PrimaryWINS = *wins
	}
	if *serverName != "" {
		fc.ServerName = *serverName
	}
	if *domain != "" {
		fc.Domain = *domain
	}
	if *httpAddr != "" {
		fc.HTTP = *httpAddr
	}
}

func registerHostNames(s *nbns.Server, cfg nbns.Config, fc fileConfig) error {
	server := fc.ServerName
	if server == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get host name: %w", err)
		}
		server = host
	}

	addrs, err := nbns.LocalAddrs(cfg.BindAddress)
	if err != nil {
		return err
	}
	names, err := hostNames(server, fc.Domain, addrs)
	if err != nil {
		return err
	}
	for _, n := range names {
		if err := s.AddName(n); err != nil {
			return err
		}
	}
	return nil
}

func waitDone(s *nbns.Server) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		if err := s.Wait(); err != nil {
			fmt.Fprintln(os.Stderr, "name server stopped:", err)
		}
		close(done)
	}()
	return done
}

func shutdown(s *nbns.Server, cfg nbns.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}
