package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Amund211/conduit/internal/adapters/deviceconn"
	"github.com/Amund211/conduit/internal/broker"
	"github.com/Amund211/conduit/internal/domain"
)

func main() {
	address := flag.String("address", "", "device address (host:port)")
	n := flag.Int("n", 10, "number of concurrent acquisitions")
	timeout := flag.Duration("timeout", 5*time.Second, "dial timeout")
	flag.Parse()

	if *address == "" {
		log.Fatal("No address provided")
	}
	if *n <= 0 {
		log.Fatal("n must be positive")
	}

	dialer, err := deviceconn.NewDialer(*timeout, time.Now, time.After)
	if err != nil {
		log.Fatal(err)
	}

	var dials atomic.Int64
	b := broker.New[domain.DeviceConnection](func(ctx context.Context, key string) (domain.DeviceConnection, error) {
		dials.Add(1)
		return dialer.Dial(ctx, key)
	})
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*(*timeout))
	defer cancel()

	conns := make([]domain.DeviceConnection, *n)
	errs := make([]error, *n)

	var wg sync.WaitGroup
	for i := range *n {
		wg.Go(func() {
			conns[i], errs[i] = b.Acquire(ctx, *address)
		})
	}
	wg.Wait()

	failures := 0
	distinct := map[domain.DeviceConnection]struct{}{}
	for i := range *n {
		if errs[i] != nil {
			failures++
			log.Printf("acquisition %d failed: %v", i, errs[i])
			continue
		}
		distinct[conns[i]] = struct{}{}
	}

	fmt.Printf("acquisitions: %d\n", *n)
	fmt.Printf("dials: %d\n", dials.Load())
	fmt.Printf("distinct connections: %d\n", len(distinct))
	fmt.Printf("failures: %d\n", failures)

	for conn := range distinct {
		if err := conn.Close(); err != nil {
			log.Printf("failed to close connection: %v", err)
		}
	}
}
