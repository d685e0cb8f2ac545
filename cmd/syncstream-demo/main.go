// Command syncstream-demo exercises cross-endpoint fan-out: it connects
// several endpoints for one user, sends words from the first endpoint, and
// shows every endpoint receiving each result. Run cmd/syncstream against the
// same NATS first.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/syncstream/endpoint"
	"github.com/c360/syncstream/envelope"
	"github.com/c360/syncstream/natsclient"
	"github.com/c360/syncstream/stream/natslog"
)

func main() {
	url := flag.String("url", "nats://localhost:4222", "NATS server URL")
	user := flag.String("user", "alice", "user identity shared by all demo endpoints")
	endpointList := flag.String("endpoints", "laptop,phone,tablet", "comma-separated endpoint identities")
	words := flag.String("words", "orange,kiwi,strawberry", "comma-separated words to send from the first endpoint")
	flag.Parse()

	if err := run(*url, *user, splitList(*endpointList), splitList(*words)); err != nil {
		fmt.Fprintf(os.Stderr, "syncstream-demo: %v\n", err)
		os.Exit(1)
	}
}

func run(url, user string, endpointIDs, words []string) error {
	if len(endpointIDs) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := natsclient.New(url, natsclient.WithName("syncstream-demo"))
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	}()

	transport := natslog.New(client, natslog.WithLogger(logger))

	endpoints := make([]*endpoint.Endpoint, 0, len(endpointIDs))
	for _, id := range endpointIDs {
		e, err := endpoint.New(transport, user, id,
			endpoint.WithLogger(logger),
			endpoint.WithHandler(printHandler(id)),
		)
		if err != nil {
			return err
		}
		if err := e.Connect(ctx); err != nil {
			return err
		}
		if err := e.RegisterSession(ctx); err != nil {
			return err
		}
		fmt.Printf("registered %s/%s\n", user, id)
		endpoints = append(endpoints, e)
	}

	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()
	g, recvCtx := errgroup.WithContext(recvCtx)
	for _, e := range endpoints {
		e := e
		g.Go(func() error {
			return e.Receive(recvCtx, nil)
		})
	}

	// Give every receiver a moment to start polling before the sends.
	time.Sleep(time.Second)

	sender := endpoints[0]
	for _, word := range words {
		id, err := sender.Send(ctx, map[string]string{"word": word})
		if err != nil {
			return err
		}
		fmt.Printf("sent %q from %s (entry %d)\n", word, sender.ID(), id)
	}

	fmt.Println("waiting for fan-out, Ctrl-C to stop")
	<-ctx.Done()
	cancelRecv()
	return g.Wait()
}

// printHandler labels each received result with the endpoint it arrived on
// and the endpoint the triggering message came from.
func printHandler(endpointID string) endpoint.Handler {
	return endpoint.HandlerFunc(func(_ context.Context, fields map[string]string) error {
		env, err := envelope.ParseFields(fields)
		if err != nil {
			return err
		}
		origin := env.OriginEndpoint
		suffix := ""
		if origin != "" && origin != endpointID {
			suffix = fmt.Sprintf(" (synced from %s)", origin)
		}
		fmt.Printf("[%s] %q has length %s%s\n",
			endpointID, env.Payload["word"], env.Payload["length"], suffix)
		return nil
	})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
