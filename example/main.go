package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maeshinshin/nbns"
)

var (
	debug = flag.Bool("debug", false, "Enable debug mode")
	wins  = flag.String("wins", "", "WINS server to register with instead of broadcasting")
)

func main() {
	flag.Parse()

	if *debug {
		nbns.SetDebug()
	}

	cfg := nbns.DefaultConfig()
	if *wins != "" {
		cfg.PrimaryWINS = netip.MustParseAddr(*wins)
	}

	s, err := nbns.NewServer(cfg)
	if err != nil {
		panic(err)
	}
	if err := s.Start(context.Background()); err != nil {
		panic(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	}()

	s.SubscribeAddName(nbns.AddNameFunc(func(e nbns.Event) {
		fmt.Printf("%s<%02X> %s\n", e.Name, byte(e.Type), e.Status)
	}))
	s.SubscribeQueryName(nbns.QueryNameFunc(func(e nbns.Event) {
		fmt.Printf("%s<%02X> queried by %s\n", e.Name, byte(e.Type), e.From)
	}))

	addrs, err := nbns.LocalAddrs(netip.Addr{})
	if err != nil {
		fmt.Println("Error getting local addresses:", err)
		return
	}

	name, err := nbns.NewName("EXAMPLE", nbns.FileServer, false, 0, addrs...)
	if err != nil {
		panic(err)
	}
	if err := s.AddName(name); err != nil {
		panic(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println("NetBIOS name server running. Press Ctrl+C to exit.")
	<-sig
}
