package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/spider-keyer-server/internal/keyer"
)

var (
	errOverflow = errors.New("overflow")
	errSendFail = errors.New("send fail")
)

// TestAsyncTxSuccess verifies commands are written in order and hooks fire.
func TestAsyncTxSuccess(t *testing.T) {
	var mu sync.Mutex
	var wire bytes.Buffer
	var after atomic.Int64
	ax := NewAsyncTx(context.Background(), 4, func(c keyer.Command) error {
		mu.Lock()
		wire.Write(c)
		mu.Unlock()
		return nil
	}, Hooks{OnAfter: func() { after.Add(1) }})
	defer ax.Close()
	q := keyer.EncodeIdentityQuery()
	sp, _ := keyer.EncodeSpeed(20)
	for _, c := range []keyer.Command{q, sp, keyer.EncodeStopKeying()} {
		if err := ax.Send(c); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && after.Load() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if after.Load() != 3 {
		t.Fatalf("expected 3 writes, got %d", after.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	want := append(append(append([]byte{}, q...), sp...), 0x1B, 0x03, 0xFF)
	if !bytes.Equal(wire.Bytes(), want) {
		t.Fatalf("wire = % X want % X", wire.Bytes(), want)
	}
}

// TestAsyncTxNoInterleave sends from many goroutines and checks each command stays contiguous.
func TestAsyncTxNoInterleave(t *testing.T) {
	var mu sync.Mutex
	var wire []byte
	var written atomic.Int64
	ax := NewAsyncTx(context.Background(), 256, func(c keyer.Command) error {
		mu.Lock()
		for _, b := range c { // byte-at-a-time to expose interleaving
			wire = append(wire, b)
		}
		mu.Unlock()
		written.Add(1)
		return nil
	}, Hooks{})
	defer ax.Close()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_ = ax.Send(keyer.EncodeEscaped(byte(g), byte(g), byte(g)))
			}
		}(g)
	}
	wg.Wait()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && written.Load() < 80 {
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(wire) != 80*4 {
		t.Fatalf("wire length %d", len(wire))
	}
	for i := 0; i < len(wire); i += 4 {
		if wire[i] != 0x1B || wire[i+1] != wire[i+2] || wire[i+2] != wire[i+3] {
			t.Fatalf("interleaved command at %d: % X", i, wire[i:i+4])
		}
	}
}

// TestAsyncTxOverflow ensures OnDrop is invoked when buffer full.
func TestAsyncTxOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var drops atomic.Int64
	ax := NewAsyncTx(ctx, 1, func(keyer.Command) error { time.Sleep(150 * time.Millisecond); return nil },
		Hooks{OnDrop: func() error { drops.Add(1); return errOverflow }})
	defer ax.Close()
	if err := ax.Send(keyer.EncodeStopKeying()); err != nil {
		t.Fatalf("unexpected error enqueue first: %v", err)
	}
	// The worker may or may not have picked up the first command yet; two more sends
	// guarantee the single slot is exceeded.
	_ = ax.Send(keyer.EncodeStopKeying())
	if err := ax.Send(keyer.EncodeStopKeying()); !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	if drops.Load() == 0 {
		t.Fatalf("expected a drop")
	}
}

// TestAsyncTxSendError triggers OnError hook.
func TestAsyncTxSendError(t *testing.T) {
	var errs atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, func(keyer.Command) error { return errSendFail }, Hooks{OnError: func(error) { errs.Add(1) }})
	defer ax.Close()
	_ = ax.Send(keyer.EncodeStopKeying())
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && errs.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if errs.Load() == 0 {
		t.Fatalf("expected error hook invocation")
	}
}

func TestAsyncTxSendAfterClose(t *testing.T) {
	tx := NewAsyncTx(context.Background(), 2, func(keyer.Command) error { return nil }, Hooks{})
	tx.Close()
	tx.Close() // idempotent
	if err := tx.Send(keyer.EncodeStopKeying()); !errors.Is(err, ErrAsyncTxClosed) {
		t.Fatalf("expected ErrAsyncTxClosed, got %v", err)
	}
}

func TestAsyncTxCloseConcurrentSend(t *testing.T) {
	for i := 0; i < 100; i++ {
		ax := NewAsyncTx(context.Background(), 1, func(keyer.Command) error { return nil }, Hooks{})
		done := make(chan error, 1)
		go func() {
			done <- ax.Send(keyer.EncodeStopKeying())
		}()
		time.Sleep(1 * time.Millisecond)
		ax.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrAsyncTxClosed) {
			t.Fatalf("iteration %d: unexpected send error %v", i, err)
		}
	}
}
