package httpclient

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"text":"hello"}`,
		``,
		`event: token`,
		`data: {"text":"world"}`,
		``,
		`: heartbeat comment`,
		`data: [DONE]`,
		`data: {"text":"after done, never delivered"}`,
	}, "\n")

	var payloads []string
	err := ReadSSE(context.Background(), strings.NewReader(stream), func(data []byte) error {
		payloads = append(payloads, string(data))
		return nil
	})
	if err != nil {
		t.Fatalf("ReadSSE failed: %v", err)
	}

	if len(payloads) != 2 {
		t.Fatalf("payloads = %d, want 2 (stop at [DONE])", len(payloads))
	}
	if payloads[0] != `{"text":"hello"}` || payloads[1] != `{"text":"world"}` {
		t.Errorf("unexpected payloads: %v", payloads)
	}
}

func TestReadSSE_CallbackError(t *testing.T) {
	boom := errors.New("bad payload")
	err := ReadSSE(context.Background(), strings.NewReader("data: x\n"), func(data []byte) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected callback error to propagate, got %v", err)
	}
}

func TestReadSSE_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ReadSSE(ctx, strings.NewReader("data: a\ndata: b\n"), func(data []byte) error {
		t.Fatal("callback should not run after cancellation")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestFormatSSE(t *testing.T) {
	got := string(FormatSSE("token", []byte(`{"text":"hi"}`)))
	want := "event: token\ndata: {\"text\":\"hi\"}\n\n"
	if got != want {
		t.Errorf("FormatSSE = %q, want %q", got, want)
	}

	got = string(FormatSSE("", []byte("x")))
	if got != "data: x\n\n" {
		t.Errorf("FormatSSE without event = %q", got)
	}
}
