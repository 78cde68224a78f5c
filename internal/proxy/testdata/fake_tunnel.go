package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] != "tunnel" {
		log.Fatal("usage: fake_tunnel tunnel --listen addr --target url")
	}
	fs := flag.NewFlagSet("tunnel", flag.ExitOnError)
	listen := fs.String("listen", "127.0.0.1:0", "listen address")
	target := fs.String("target", "", "target origin")
	_ = fs.Parse(os.Args[2:])
	if os.Getenv("DISPATCHD_TUNNEL_SOCKS") == "" {
		log.Fatal("socks url missing")
	}
	if os.Getenv("FAKE_TUNNEL_FAIL") == "1" {
		log.Fatal("boom")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(*target))
	})
	srv := &http.Server{Addr: *listen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	<-sig
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
