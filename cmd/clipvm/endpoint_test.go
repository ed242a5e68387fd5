package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestControlFailureKeepsSyncRunning(t *testing.T) {
	g, gctx := errgroup.WithContext(context.Background())

	failed := make(chan struct{})
	runControl(gctx, g, "test.sock", func(context.Context) error {
		close(failed)
		return errors.New("control listener gone")
	})
	g.Go(func() error {
		<-failed
		select {
		case <-gctx.Done():
			return errors.New("sync cancelled by control failure")
		case <-time.After(100 * time.Millisecond):
			return nil
		}
	})

	if err := g.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestControlStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	runControl(gctx, g, "test.sock", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	cancel()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("control did not stop")
	}
}
