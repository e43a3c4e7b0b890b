package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"hsmpchat/internal/chattest"
	"hsmpchat/internal/content"

	"golang.org/x/sync/errgroup"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: chatdev <addr> <identity[:name]>...")
		os.Exit(1)
	}

	d, err := chattest.NewDevServer(os.Args[1])
	if err != nil {
		fmt.Printf("Error starting dev server: %v\n", err)
		os.Exit(1)
	}

	for _, arg := range os.Args[2:] {
		id, name, _ := strings.Cut(arg, ":")
		if err := content.ValidateIdentity(id); err != nil {
			fmt.Printf("Invalid identity %q: %v\n", id, err)
			os.Exit(1)
		}
		d.Hub.AddUser(id, name)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(d.Start)
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return d.Shutdown(shutdownCtx)
	})

	fmt.Printf("socket: ws://%s/socket\napi:    http://%s/api\n", d.Addr(), d.Addr())
	if err := g.Wait(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}
